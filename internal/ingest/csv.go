// Package ingest brings exception records and reference data into the
// service: CSV exports from the monitoring platform, approved-patch
// lists, and NATS message streams.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/icsops/changeval/internal/extract"
	"github.com/icsops/changeval/internal/model"
	"github.com/icsops/changeval/internal/normalize"
)

// detectionTimeFormats are the timestamp layouts seen in bulk exception
// exports, tried in order.
var detectionTimeFormats = []string{
	"1/2/2006 3:04:05 PM",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04 PM",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// ExceptionCSVDecoder parses bulk exception CSV exports. The export
// carries one tab per exception kind; the kind is detected from the
// column headers, so one decoder handles every tab.
type ExceptionCSVDecoder struct {
	logger *slog.Logger
}

// NewExceptionCSVDecoder creates a decoder for bulk exception exports.
func NewExceptionCSVDecoder(logger *slog.Logger) *ExceptionCSVDecoder {
	return &ExceptionCSVDecoder{logger: logger}
}

// Decode parses a CSV export into exception records. Rows without a
// detection date are skipped with a warning; the rest of the file is
// still decoded. The returned error covers only unreadable input.
func (d *ExceptionCSVDecoder) Decode(r io.Reader) ([]*model.ExceptionRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], "\uFEFF")
	}

	kind := detectKind(headers)
	d.logger.Info("Decoding exception export", "kind", kind)

	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var records []*model.ExceptionRecord
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			d.logger.Warn("Skipping unreadable CSV row", "line", line, "error", err)
			continue
		}

		record, err := d.decodeRow(row, index, kind)
		if err != nil {
			d.logger.Warn("Skipping exception row", "line", line, "error", err)
			continue
		}
		records = append(records, record)
	}

	d.logger.Info("Decoded exception export", "kind", kind, "records", len(records))
	return records, nil
}

func (d *ExceptionCSVDecoder) decodeRow(row []string, index map[string]int, kind model.ExceptionKind) (*model.ExceptionRecord, error) {
	field := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	detectedAt, err := parseDetectionTime(field("exception detection date"))
	if err != nil {
		return nil, err
	}

	assetName := field("asset name")
	if assetName == "" {
		assetName = field("asset")
	}
	comment := field("comment")

	record := &model.ExceptionRecord{
		ID:                  uuid.New().String(),
		Kind:                kind,
		Action:              parseChangeAction(field("type")),
		AssetName:           assetName,
		AssetNameNormalized: normalize.AssetName(assetName),
		AssetGroup:          field("asset groups"),
		AssetCount:          parseInt(field("assets")),
		Comment:             comment,
		TicketIDs:           extract.TicketIDs(comment),
		Detail:              decodeDetail(kind, field),
		DetectedAt:          detectedAt,
		Status:              model.StatusPending,
	}
	return record, nil
}

// detectKind maps a header row to the exception kind of its tab.
func detectKind(headers []string) model.ExceptionKind {
	set := make(map[string]bool, len(headers))
	for _, h := range headers {
		set[strings.ToLower(strings.TrimSpace(h))] = true
	}

	switch {
	case set["patch id"]:
		return model.KindPatch
	case set["software name"]:
		return model.KindSoftware
	case set["port"] && set["protocol"]:
		return model.KindPortService
	case set["policy id"]:
		return model.KindFirewallRule
	case set["user id"] && set["user type"]:
		return model.KindUserAccount
	case set["interface name"] && set["mac address"]:
		return model.KindDeviceInterface
	default:
		return model.KindSoftware
	}
}

func decodeDetail(kind model.ExceptionKind, field func(string) string) model.Detail {
	switch kind {
	case model.KindSoftware:
		return &model.SoftwareDetail{
			SoftwareName:    field("software name"),
			SoftwareVersion: field("software version"),
		}
	case model.KindPatch:
		patchID := field("patch id")
		return &model.PatchDetail{
			PatchID:     patchID,
			ServicePack: field("service pack in effect"),
			PatchIDs:    extract.PatchIDs(patchID),
		}
	case model.KindPortService:
		return &model.PortServiceDetail{
			Port:        parseInt(field("port")),
			Protocol:    field("protocol"),
			IPVersion:   parseInt(field("ip version")),
			Interface:   field("interface"),
			ProcessName: field("process"),
		}
	case model.KindFirewallRule:
		return &model.FirewallRuleDetail{
			PolicyID:      field("policy id"),
			SourceIf:      field("source if"),
			DestinationIf: field("destination if"),
			Action:        field("action"),
			Status:        field("status"),
		}
	case model.KindUserAccount:
		return &model.UserAccountDetail{
			UserID:   field("user id"),
			UserType: field("user type"),
			Domain:   field("domain"),
			MemberOf: field("member of"),
			Enabled:  strings.EqualFold(field("enabled"), "true"),
		}
	case model.KindDeviceInterface:
		return &model.DeviceInterfaceDetail{
			InterfaceName: field("interface name"),
			IPAddress:     field("ip address"),
			SubnetMask:    field("subnet mask"),
			MACAddress:    field("mac address"),
		}
	}
	return nil
}

func parseChangeAction(value string) model.ChangeAction {
	v := strings.ToLower(strings.TrimSpace(value))
	switch {
	case strings.Contains(v, "removed"):
		return model.ActionRemoved
	case strings.Contains(v, "changed"):
		return model.ActionChanged
	default:
		return model.ActionNew
	}
}

func parseDetectionTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, &model.MalformedRecordError{
			Field:   "detected_at",
			Message: "detection date is required",
		}
	}
	for _, layout := range detectionTimeFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &model.MalformedRecordError{
		Field:   "detected_at",
		Message: fmt.Sprintf("unrecognized detection date %q", value),
	}
}

func parseInt(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return n
}
