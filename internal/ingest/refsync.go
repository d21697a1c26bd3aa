package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/icsops/changeval/internal/metrics"
	"github.com/icsops/changeval/internal/model"
	"github.com/icsops/changeval/internal/normalize"
	"github.com/icsops/changeval/internal/refstore"
)

// NATS subjects carrying reference-data updates from the ticketing and
// patch-management connectors.
const (
	SubjectTicketSync = "tickets.sync"
	SubjectPatchSync  = "patches.sync"
)

// CacheInvalidator is implemented by stores that cache lookups and need
// flushing after a sync.
type CacheInvalidator interface {
	Invalidate()
}

// statsProvider is implemented by stores that can report their size.
type statsProvider interface {
	Stats() map[string]int
}

// ticketSyncMessage is the wire form of one ticket update. Approval and
// asset name are source-system values and canonicalized on ingest.
type ticketSyncMessage struct {
	Source           string     `json:"source"`
	TicketID         string     `json:"ticket_id"`
	State            string     `json:"state"`
	Approval         string     `json:"approval"`
	AssetName        string     `json:"asset_name"`
	ShortDescription string     `json:"short_description"`
	ScheduledStart   *time.Time `json:"scheduled_start"`
	ScheduledEnd     *time.Time `json:"scheduled_end"`
	ActualStart      *time.Time `json:"actual_start"`
	ActualEnd        *time.Time `json:"actual_end"`
}

// patchSyncMessage is the wire form of one approved-patch update.
type patchSyncMessage struct {
	PatchID           string    `json:"patch_id"`
	Title             string    `json:"title"`
	ApprovedForGroups []string  `json:"approved_for_groups"`
	ApprovalDate      time.Time `json:"approval_date"`
}

// RefSyncSubscriber handles NATS subscriptions for reference-data
// updates and feeds them into the reference store.
type RefSyncSubscriber struct {
	nc     *nats.Conn
	store  refstore.Upserter
	cache  CacheInvalidator
	logger *slog.Logger
	queue  string

	ticketSub *nats.Subscription
	patchSub  *nats.Subscription
}

// NewRefSyncSubscriber creates a new reference sync subscriber. cache
// may be nil when the store is not wrapped in a caching layer.
func NewRefSyncSubscriber(nc *nats.Conn, store refstore.Upserter, cache CacheInvalidator, queue string, logger *slog.Logger) *RefSyncSubscriber {
	return &RefSyncSubscriber{
		nc:     nc,
		store:  store,
		cache:  cache,
		logger: logger,
		queue:  queue,
	}
}

// Subscribe starts listening for ticket and patch updates and blocks
// until the context is cancelled, then drains both subscriptions.
func (s *RefSyncSubscriber) Subscribe(ctx context.Context) error {
	s.logger.Info("Subscribing to reference sync subjects", "queue", s.queue)

	ticketSub, err := s.nc.QueueSubscribe(SubjectTicketSync, s.queue, s.handleTicketMessage)
	if err != nil {
		s.logger.Error("Failed to subscribe to ticket sync", "error", err)
		return err
	}
	s.ticketSub = ticketSub

	patchSub, err := s.nc.QueueSubscribe(SubjectPatchSync, s.queue, s.handlePatchMessage)
	if err != nil {
		s.logger.Error("Failed to subscribe to patch sync", "error", err)
		ticketSub.Unsubscribe()
		return err
	}
	s.patchSub = patchSub

	s.logger.Info("Subscribed to reference sync subjects",
		"tickets", SubjectTicketSync,
		"patches", SubjectPatchSync)

	<-ctx.Done()
	return s.drain()
}

func (s *RefSyncSubscriber) handleTicketMessage(msg *nats.Msg) {
	var m ticketSyncMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		s.logger.Error("Failed to parse ticket sync message", "error", err)
		return
	}
	if m.TicketID == "" {
		s.logger.Warn("Ticket sync message without ticket_id dropped")
		return
	}

	ticket := &model.TicketRecord{
		Source:              m.Source,
		TicketID:            strings.ToUpper(strings.TrimSpace(m.TicketID)),
		State:               m.State,
		ApprovalStatus:      CanonicalApproval(m.Approval),
		AssetName:           m.AssetName,
		AssetNameNormalized: normalize.AssetName(m.AssetName),
		ShortDescription:    m.ShortDescription,
		ScheduledStart:      m.ScheduledStart,
		ScheduledEnd:        m.ScheduledEnd,
		ActualStart:         m.ActualStart,
		ActualEnd:           m.ActualEnd,
	}

	if err := s.store.UpsertTicket(context.Background(), ticket); err != nil {
		s.logger.Error("Failed to upsert ticket",
			"ticket_id", ticket.TicketID,
			"error", err)
		return
	}
	s.afterUpsert()

	s.logger.Debug("Ticket upserted",
		"ticket_id", ticket.TicketID,
		"source", ticket.Source,
		"approval", ticket.ApprovalStatus)
}

func (s *RefSyncSubscriber) handlePatchMessage(msg *nats.Msg) {
	var m patchSyncMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		s.logger.Error("Failed to parse patch sync message", "error", err)
		return
	}

	patchID := NormalizePatchID(m.PatchID)
	if patchID == "" {
		s.logger.Warn("Patch sync message without patch_id dropped")
		return
	}

	patch := &model.ApprovedPatch{
		PatchID:           patchID,
		Title:             m.Title,
		ApprovedForGroups: m.ApprovedForGroups,
		ApprovalDate:      m.ApprovalDate,
	}

	if err := s.store.UpsertApprovedPatch(context.Background(), patch); err != nil {
		s.logger.Error("Failed to upsert approved patch",
			"patch_id", patchID,
			"error", err)
		return
	}
	s.afterUpsert()

	s.logger.Debug("Approved patch upserted", "patch_id", patchID)
}

// afterUpsert flushes any lookup cache and refreshes the reference
// store size gauges.
func (s *RefSyncSubscriber) afterUpsert() {
	if s.cache != nil {
		s.cache.Invalidate()
	}
	if sp, ok := s.store.(statsProvider); ok {
		stats := sp.Stats()
		metrics.SetReferenceCounts(stats["tickets"], stats["patches"])
	}
}

func (s *RefSyncSubscriber) drain() error {
	s.logger.Info("Draining reference sync subscriptions")
	if s.ticketSub != nil {
		if err := s.ticketSub.Drain(); err != nil {
			s.logger.Error("Failed to drain ticket subscription", "error", err)
		}
	}
	if s.patchSub != nil {
		if err := s.patchSub.Drain(); err != nil {
			s.logger.Error("Failed to drain patch subscription", "error", err)
		}
	}
	return nil
}

// CanonicalApproval maps a source system's approval vocabulary onto the
// canonical approval statuses. Unset values are unknown; unrecognized
// values are treated as pending, never as approved.
func CanonicalApproval(value string) model.ApprovalStatus {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "":
		return model.ApprovalUnknown
	case "approved":
		return model.ApprovalApproved
	case "rejected", "cancelled", "canceled":
		return model.ApprovalRejected
	case "requested", "not requested", "not yet requested", "pending":
		return model.ApprovalPending
	default:
		return model.ApprovalPending
	}
}
