package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// exceptionRecordJSON mirrors ExceptionRecord with the detail left raw so
// the kind can pick the concrete shape.
type exceptionRecordJSON struct {
	ID                  string           `json:"id"`
	Kind                ExceptionKind    `json:"kind"`
	Action              ChangeAction     `json:"action"`
	AssetName           string           `json:"asset_name"`
	AssetNameNormalized string           `json:"asset_name_normalized"`
	AssetGroup          string           `json:"asset_group,omitempty"`
	AssetCount          int              `json:"asset_count,omitempty"`
	Comment             string           `json:"comment,omitempty"`
	TicketIDs           []string         `json:"ticket_ids,omitempty"`
	Detail              json.RawMessage  `json:"detail,omitempty"`
	DetectedAt          time.Time        `json:"detected_at"`
	Status              ValidationStatus `json:"validation_status"`
}

// UnmarshalJSON decodes an exception record, selecting the detail struct
// from the declared kind.
func (e *ExceptionRecord) UnmarshalJSON(data []byte) error {
	var raw exceptionRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.ID = raw.ID
	e.Kind = raw.Kind
	e.Action = raw.Action
	e.AssetName = raw.AssetName
	e.AssetNameNormalized = raw.AssetNameNormalized
	e.AssetGroup = raw.AssetGroup
	e.AssetCount = raw.AssetCount
	e.Comment = raw.Comment
	e.TicketIDs = raw.TicketIDs
	e.DetectedAt = raw.DetectedAt
	e.Status = raw.Status
	e.Detail = nil

	if len(raw.Detail) == 0 || string(raw.Detail) == "null" {
		return nil
	}

	detail, err := decodeDetail(raw.Kind, raw.Detail)
	if err != nil {
		return err
	}
	e.Detail = detail
	return nil
}

func decodeDetail(kind ExceptionKind, data json.RawMessage) (Detail, error) {
	var detail Detail
	switch kind {
	case KindSoftware:
		detail = &SoftwareDetail{}
	case KindPatch:
		detail = &PatchDetail{}
	case KindPortService:
		detail = &PortServiceDetail{}
	case KindFirewallRule:
		detail = &FirewallRuleDetail{}
	case KindUserAccount:
		detail = &UserAccountDetail{}
	case KindDeviceInterface:
		detail = &DeviceInterfaceDetail{}
	default:
		return nil, fmt.Errorf("cannot decode detail for unknown kind %q", kind)
	}
	if err := json.Unmarshal(data, detail); err != nil {
		return nil, fmt.Errorf("decode %s detail: %w", kind, err)
	}
	return detail, nil
}
