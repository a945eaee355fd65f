package action

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/salesops-ai/sentinel/core"
)

// Plan is one planned side effect: a typed payload plus the shared envelope.
type Plan struct {
	ActionID       string  `json:"action_id"`
	AnomalyID      string  `json:"anomaly_id"`
	Type           string  `json:"type"`
	Priority       string  `json:"priority"`
	IdempotencyKey string  `json:"idempotency_key"`
	Payload        Payload `json:"payload"`
}

// IdempotencyKey derives the deduplication key for a logical action. It is a
// pure function of (anomaly id, action type): replays of the same logical
// action collapse to one execution server-side, across process restarts.
func IdempotencyKey(anomalyID, actionType string) string {
	sum := md5.Sum([]byte(anomalyID + ":" + actionType))
	return hex.EncodeToString(sum[:])
}

// NewPlan assembles the envelope around a payload.
func NewPlan(anomalyID, priority string, payload Payload) Plan {
	return Plan{
		ActionID:       uuid.New().String(),
		AnomalyID:      anomalyID,
		Type:           payload.ActionType(),
		Priority:       priority,
		IdempotencyKey: IdempotencyKey(anomalyID, payload.ActionType()),
		Payload:        payload,
	}
}

// PlannerConfig tunes planning thresholds.
type PlannerConfig struct {
	// TicketScore is the severity above which a High-confidence anomaly
	// gets an investigation ticket. Default 3.0.
	TicketScore float64

	// EmailScore is the severity above which an alert email goes out.
	// Default 1.5.
	EmailScore float64

	// ManagerEmail receives alert emails.
	ManagerEmail string
}

func (c *PlannerConfig) defaults() {
	if c.TicketScore == 0 {
		c.TicketScore = 3.0
	}
	if c.EmailScore == 0 {
		c.EmailScore = 1.5
	}
	if c.ManagerEmail == "" {
		c.ManagerEmail = "manager@company.com"
	}
}

// Planner maps enriched anomalies to action plans.
type Planner struct {
	cfg PlannerConfig
}

// NewPlanner creates a planner.
func NewPlanner(cfg PlannerConfig) *Planner {
	cfg.defaults()
	return &Planner{cfg: cfg}
}

// Plan decides which actions an enriched anomaly warrants: severe
// high-confidence anomalies open a ticket, moderately severe ones alert by
// email, and anything flagged for human review gets a triage ticket.
func (p *Planner) Plan(anomaly core.EnrichedAnomaly) []Plan {
	var plans []Plan

	confidence := core.ConfidenceLow
	explanationShort := ""
	explanationFull := ""
	needsReview := false
	if anomaly.Enrichment != nil {
		confidence = anomaly.Enrichment.Confidence
		explanationShort = anomaly.Enrichment.ExplanationShort
		explanationFull = anomaly.Enrichment.ExplanationFull
		needsReview = anomaly.Enrichment.NeedsHumanReview
	}

	if anomaly.Score > p.cfg.TicketScore && confidence == core.ConfidenceHigh {
		plans = append(plans, NewPlan(anomaly.ID, "High", CreateTicket{
			Title:       fmt.Sprintf("Investigate: %s", anomaly.ID),
			Description: explanationFull,
			Priority:    "High",
			AnomalyID:   anomaly.ID,
			Assignee:    "SRE-Team",
		}))
	} else if anomaly.Score > p.cfg.EmailScore {
		plans = append(plans, NewPlan(anomaly.ID, "Medium", SendEmail{
			Recipient: p.cfg.ManagerEmail,
			Subject:   fmt.Sprintf("Alert: %s", anomaly.ID),
			Body:      explanationShort,
		}))
	}

	if needsReview {
		plans = append(plans, NewPlan(anomaly.ID, "Low", CreateTicket{
			Title:       fmt.Sprintf("Review: %s", anomaly.ID),
			Description: "AI flagged for review.",
			Priority:    "Low",
			AnomalyID:   anomaly.ID,
			Assignee:    "Triage-Queue",
		}))
	}

	return plans
}
