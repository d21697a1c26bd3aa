package model

import (
	"fmt"
	"time"
)

// ExceptionKind identifies which baseline tab a drift exception came from.
type ExceptionKind string

const (
	KindSoftware        ExceptionKind = "software"
	KindPatch           ExceptionKind = "patch"
	KindPortService     ExceptionKind = "port_service"
	KindFirewallRule    ExceptionKind = "firewall_rule"
	KindUserAccount     ExceptionKind = "user_account"
	KindDeviceInterface ExceptionKind = "device_interface"
)

// ChangeAction is the direction of the reported drift.
type ChangeAction string

const (
	ActionNew     ChangeAction = "new"
	ActionRemoved ChangeAction = "removed"
	ActionChanged ChangeAction = "changed"
)

// ValidationStatus is the lifecycle state of an exception record.
type ValidationStatus string

const (
	StatusPending       ValidationStatus = "pending"
	StatusValidated     ValidationStatus = "validated"
	StatusUnauthorized  ValidationStatus = "unauthorized"
	StatusInvestigating ValidationStatus = "investigating"
)

// CanTransitionTo reports whether a status transition is allowed. Pending is
// the initial state; investigating is the only non-terminal manual state and
// may return to pending.
func (s ValidationStatus) CanTransitionTo(next ValidationStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusValidated || next == StatusUnauthorized || next == StatusInvestigating
	case StatusInvestigating:
		return next == StatusPending || next == StatusValidated || next == StatusUnauthorized
	default:
		return false
	}
}

// Detail carries the fields specific to one exception kind. Exactly one
// detail shape is populated per record.
type Detail interface {
	Kind() ExceptionKind
}

// SoftwareDetail describes an installed-software drift.
type SoftwareDetail struct {
	SoftwareName    string `json:"software_name"`
	SoftwareVersion string `json:"software_version,omitempty"`
}

func (SoftwareDetail) Kind() ExceptionKind { return KindSoftware }

// PatchDetail describes a patch drift. PatchIDs holds the vendor patch
// identifiers parsed from the platform's patch column.
type PatchDetail struct {
	PatchID     string   `json:"patch_id"`
	ServicePack string   `json:"service_pack,omitempty"`
	PatchIDs    []string `json:"patch_ids,omitempty"`
}

func (PatchDetail) Kind() ExceptionKind { return KindPatch }

// PortServiceDetail describes a listening port or service drift.
type PortServiceDetail struct {
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	IPVersion   int    `json:"ip_version,omitempty"`
	Interface   string `json:"interface,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
}

func (PortServiceDetail) Kind() ExceptionKind { return KindPortService }

// FirewallRuleDetail describes a firewall policy drift.
type FirewallRuleDetail struct {
	PolicyID      string `json:"policy_id"`
	SourceIf      string `json:"source_if,omitempty"`
	DestinationIf string `json:"destination_if,omitempty"`
	Action        string `json:"action,omitempty"`
	Status        string `json:"status,omitempty"`
}

func (FirewallRuleDetail) Kind() ExceptionKind { return KindFirewallRule }

// UserAccountDetail describes a local or domain account drift.
type UserAccountDetail struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type,omitempty"`
	Domain   string `json:"domain,omitempty"`
	MemberOf string `json:"member_of,omitempty"`
	Enabled  bool   `json:"enabled"`
}

func (UserAccountDetail) Kind() ExceptionKind { return KindUserAccount }

// DeviceInterfaceDetail describes a network interface drift.
type DeviceInterfaceDetail struct {
	InterfaceName string `json:"interface_name"`
	IPAddress     string `json:"ip_address,omitempty"`
	SubnetMask    string `json:"subnet_mask,omitempty"`
	MACAddress    string `json:"mac_address,omitempty"`
}

func (DeviceInterfaceDetail) Kind() ExceptionKind { return KindDeviceInterface }

// ExceptionRecord is one baseline-drift exception reported by the
// asset-monitoring platform. TicketIDs is derived from Comment at ingestion
// and recomputed whenever Comment changes; DetectedAt reflects the
// platform's detection event and is immutable after creation.
type ExceptionRecord struct {
	ID                  string           `json:"id"`
	Kind                ExceptionKind    `json:"kind"`
	Action              ChangeAction     `json:"action"`
	AssetName           string           `json:"asset_name"`
	AssetNameNormalized string           `json:"asset_name_normalized"`
	AssetGroup          string           `json:"asset_group,omitempty"`
	AssetCount          int              `json:"asset_count,omitempty"`
	Comment             string           `json:"comment,omitempty"`
	TicketIDs           []string         `json:"ticket_ids,omitempty"`
	Detail              Detail           `json:"detail,omitempty"`
	DetectedAt          time.Time        `json:"detected_at"`
	Status              ValidationStatus `json:"validation_status"`
}

// MalformedRecordError reports an exception record that cannot enter the
// correlation engine.
type MalformedRecordError struct {
	Field   string
	Message string
}

func (e *MalformedRecordError) Error() string {
	return "malformed record: " + e.Field + ": " + e.Message
}

var validKinds = map[ExceptionKind]bool{
	KindSoftware:        true,
	KindPatch:           true,
	KindPortService:     true,
	KindFirewallRule:    true,
	KindUserAccount:     true,
	KindDeviceInterface: true,
}

// Validate checks the invariants required of a record before correlation: a
// detection timestamp, a known kind, and a detail shape consistent with
// that kind.
func (e *ExceptionRecord) Validate() error {
	if e.DetectedAt.IsZero() {
		return &MalformedRecordError{Field: "detected_at", Message: "detection timestamp is required"}
	}
	if !validKinds[e.Kind] {
		return &MalformedRecordError{Field: "kind", Message: fmt.Sprintf("unknown exception kind %q", e.Kind)}
	}
	if e.Detail != nil && e.Detail.Kind() != e.Kind {
		return &MalformedRecordError{
			Field:   "detail",
			Message: fmt.Sprintf("detail shape %q does not match kind %q", e.Detail.Kind(), e.Kind),
		}
	}
	return nil
}

// PatchIdentifiers returns the vendor patch identifiers carried in the
// record's type-specific fields. Only patch exceptions have any.
func (e *ExceptionRecord) PatchIdentifiers() []string {
	detail, ok := e.Detail.(*PatchDetail)
	if !ok || detail == nil {
		return nil
	}
	if len(detail.PatchIDs) > 0 {
		return detail.PatchIDs
	}
	if detail.PatchID != "" {
		return []string{detail.PatchID}
	}
	return nil
}

// ApprovalStatus is the canonical approval value for a ticket regardless of
// which source system it came from.
type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalUnknown  ApprovalStatus = "unknown"
)

// TicketRecord is one change-management ticket pulled from a ticketing
// system. State is the source system's free-text lifecycle label and must
// be checked by substring, not equality; uniqueness is scoped to
// (Source, TicketID).
type TicketRecord struct {
	Source              string         `json:"source"`
	TicketID            string         `json:"ticket_id"`
	State               string         `json:"state"`
	ApprovalStatus      ApprovalStatus `json:"approval_status"`
	AssetName           string         `json:"asset_name,omitempty"`
	AssetNameNormalized string         `json:"asset_name_normalized,omitempty"`
	ShortDescription    string         `json:"short_description,omitempty"`
	ScheduledStart      *time.Time     `json:"scheduled_start,omitempty"`
	ScheduledEnd        *time.Time     `json:"scheduled_end,omitempty"`
	ActualStart         *time.Time     `json:"actual_start,omitempty"`
	ActualEnd           *time.Time     `json:"actual_end,omitempty"`
}

// Window resolves the ticket's effective execution window. Actual times
// win over scheduled; a missing end defaults to start+24h, matching how
// the ticketing exports behave. ok is false when the ticket carries no
// usable start time.
func (t *TicketRecord) Window() (start, end time.Time, ok bool) {
	s := t.ActualStart
	e := t.ActualEnd
	if s == nil {
		s = t.ScheduledStart
		e = t.ScheduledEnd
	}
	if s == nil {
		return time.Time{}, time.Time{}, false
	}
	if e == nil {
		return *s, s.Add(24 * time.Hour), true
	}
	return *s, *e, true
}

// ApprovedPatch is one vendor patch pre-cleared for deployment. Reference
// data only: re-upserted on refresh, never mutated in place.
type ApprovedPatch struct {
	PatchID           string    `json:"patch_id"`
	Title             string    `json:"title,omitempty"`
	ApprovedForGroups []string  `json:"approved_for_groups,omitempty"`
	ApprovalDate      time.Time `json:"approval_date"`
}

// MatchRule names the evidentiary path that produced a correlation match.
type MatchRule string

const (
	RuleDirectTicket MatchRule = "direct_ticket_lookup"
	RuleAssetWindow  MatchRule = "asset_time_window"
	RulePatchList    MatchRule = "patch_approval_list"
	RuleNone         MatchRule = "none"
)

// Outcome is the correlation engine's result for one exception. A pure
// computed value: always recomputable from the exception and the reference
// data, never persisted on its own.
type Outcome struct {
	IsMatch          bool               `json:"is_match"`
	Confidence       float64            `json:"confidence"`
	Rule             MatchRule          `json:"rule"`
	MatchedTicketIDs []string           `json:"matched_ticket_ids,omitempty"`
	MatchedPatchIDs  []string           `json:"matched_patch_ids,omitempty"`
	Factors          map[string]float64 `json:"factor_breakdown,omitempty"`
}

// Disposition is the human-facing outcome of validation.
type Disposition string

const (
	DispositionAutoValidated Disposition = "auto_validated"
	DispositionManualReview  Disposition = "manual_review"
	DispositionUnauthorized  Disposition = "potentially_unauthorized"
	DispositionIndeterminate Disposition = "indeterminate"
)

// ValidationResult is the validation processor's output for one exception.
// RecommendedStatus is advisory: the processor only ever applies the
// validated status itself, everything else waits for a reviewer.
type ValidationResult struct {
	ID                string           `json:"id"`
	BatchID           string           `json:"batch_id,omitempty"`
	ExceptionID       string           `json:"exception_id"`
	Kind              ExceptionKind    `json:"kind"`
	AssetName         string           `json:"asset_name,omitempty"`
	Outcome           *Outcome         `json:"outcome,omitempty"`
	Disposition       Disposition      `json:"disposition"`
	RecommendedStatus ValidationStatus `json:"recommended_status"`
	Error             string           `json:"error,omitempty"`
	ProcessedAt       time.Time        `json:"processed_at"`
}

// KindCounts tracks per-kind disposition tallies in a batch summary.
type KindCounts struct {
	AutoValidated int `json:"auto_validated"`
	ManualReview  int `json:"manual_review"`
	Unauthorized  int `json:"potentially_unauthorized"`
	Indeterminate int `json:"indeterminate"`
}

// BatchSummary aggregates one validation run. All counts are commutative so
// parallel processing cannot change the summary.
type BatchSummary struct {
	BatchID       string                       `json:"batch_id"`
	Total         int                          `json:"total"`
	AutoValidated int                          `json:"auto_validated"`
	ManualReview  int                          `json:"manual_review"`
	Unauthorized  int                          `json:"potentially_unauthorized"`
	Indeterminate int                          `json:"indeterminate"`
	ByKind        map[ExceptionKind]KindCounts `json:"by_kind"`
	StartedAt     time.Time                    `json:"started_at"`
	FinishedAt    time.Time                    `json:"finished_at"`
	Results       []*ValidationResult          `json:"results,omitempty"`
}

// Count folds one result into the summary.
func (b *BatchSummary) Count(res *ValidationResult) {
	if b.ByKind == nil {
		b.ByKind = make(map[ExceptionKind]KindCounts)
	}
	b.Total++
	kc := b.ByKind[res.Kind]
	switch res.Disposition {
	case DispositionAutoValidated:
		b.AutoValidated++
		kc.AutoValidated++
	case DispositionManualReview:
		b.ManualReview++
		kc.ManualReview++
	case DispositionIndeterminate:
		b.Indeterminate++
		kc.Indeterminate++
	default:
		b.Unauthorized++
		kc.Unauthorized++
	}
	b.ByKind[res.Kind] = kc
}
