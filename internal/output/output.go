// Package output implements the Output Serializer (C11): persists alerts,
// their IP/TCP headers, attached flow payloads, and correlation edges to
// the output database via gorm, the same ORM the DB-poll Ingestor (C2) uses
// for its input side (internal/dbdialect backs both). Each record is
// written in its own transaction so one failure aborts only that record,
// per spec.md §4.11.
package output

import (
	"net/netip"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/alertmodel"
)

type ipv4HeaderRow struct {
	IPHdrID uint64 `gorm:"column:ip_hdr_id;primaryKey;autoIncrement"`
	TOS     uint8  `gorm:"column:tos"`
	IPLen   uint16 `gorm:"column:ip_len"`
	IPID    uint16 `gorm:"column:id"`
	TTL     uint8  `gorm:"column:ttl"`
	Proto   uint8  `gorm:"column:proto"`
	SrcAddr string `gorm:"column:ip_src_addr"`
	DstAddr string `gorm:"column:ip_dst_addr"`
}

func (ipv4HeaderRow) TableName() string { return "ipv4_headers" }

type tcpHeaderRow struct {
	TCPHdrID uint64 `gorm:"column:tcp_hdr_id;primaryKey;autoIncrement"`
	SrcPort  uint16 `gorm:"column:tcp_src_port"`
	DstPort  uint16 `gorm:"column:tcp_dst_port"`
	Seq      uint32 `gorm:"column:seq"`
	Ack      uint32 `gorm:"column:ack_seq"`
	Window   uint16 `gorm:"column:window"`
	TCPLen   uint16 `gorm:"column:tcp_len"`
}

func (tcpHeaderRow) TableName() string { return "tcp_headers" }

type alertRow struct {
	AlertID   uint64  `gorm:"column:alert_id;primaryKey;autoIncrement"`
	GID       uint32  `gorm:"column:gid"`
	SID       uint32  `gorm:"column:sid"`
	Rev       uint32  `gorm:"column:rev"`
	Timestamp int64   `gorm:"column:timestamp"`
	Priority  int     `gorm:"column:priority"`
	Desc      string  `gorm:"column:desc"`
	Classtype string  `gorm:"column:classtype"`
	IPHdrID   uint64  `gorm:"column:ip_hdr"`
	TCPHdrID  *uint64 `gorm:"column:tcp_hdr"`
}

func (alertRow) TableName() string { return "alerts" }

type packetStreamRow struct {
	ID        uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	AlertID   uint64 `gorm:"column:alert_id"`
	PktIndex  int    `gorm:"column:pkt_index"`
	Timestamp int64  `gorm:"column:timestamp"`
	Payload   []byte `gorm:"column:payload"`
}

func (packetStreamRow) TableName() string { return "packet_streams" }

type correlatedAlertRow struct {
	ID          uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	Alert1      uint64  `gorm:"column:alert1"`
	Alert2      uint64  `gorm:"column:alert2"`
	Coefficient float64 `gorm:"column:correlation_coefficient"`
}

func (correlatedAlertRow) TableName() string { return "correlated_alerts" }

// Serializer writes alerts and correlation edges to an output database,
// tracking the mapping from ingestion-time alert serial to the output
// table's assigned alert_id so edges can be persisted afterward.
type Serializer struct {
	db  *gorm.DB
	log *zap.Logger

	mu       sync.Mutex
	alertIDs map[uint64]uint64
}

// New returns a Serializer backed by db, logging per-record failures to log.
func New(db *gorm.DB, log *zap.Logger) *Serializer {
	return &Serializer{db: db, log: log, alertIDs: map[uint64]uint64{}}
}

// PersistAlerts writes each alert (and its headers and, if attached, flow
// packet stream) in its own transaction. flows supplies the packet payload
// for any alert carrying a FlowKey; a missing flow just skips the
// packet_streams rows for that alert.
func (s *Serializer) PersistAlerts(alerts []*alertmodel.Alert, flows map[alertmodel.FlowKey]*alertmodel.Flow) {
	for _, a := range alerts {
		if err := s.persistOne(a, flows); err != nil {
			s.log.Warn("failed to persist alert", zap.Uint64("serial", a.Serial), zap.Error(err))
		}
	}
}

func (s *Serializer) persistOne(a *alertmodel.Alert, flows map[alertmodel.FlowKey]*alertmodel.Flow) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		ipRow := ipv4HeaderRow{
			TOS: a.IPv4.TOS, IPLen: a.IPv4.Length, IPID: a.IPv4.ID,
			TTL: a.IPv4.TTL, Proto: a.IPv4.Protocol,
			SrcAddr: addrString(a.IPv4.Src), DstAddr: addrString(a.IPv4.Dst),
		}
		if err := tx.Create(&ipRow).Error; err != nil {
			return err
		}

		var tcpHdrID *uint64
		if a.TCP != nil {
			tcpRow := tcpHeaderRow{
				SrcPort: a.TCP.SrcPort, DstPort: a.TCP.DstPort,
				Seq: a.TCP.Seq, Ack: a.TCP.Ack,
				Window: a.TCP.Window, TCPLen: a.TCP.Length,
			}
			if err := tx.Create(&tcpRow).Error; err != nil {
				return err
			}
			tcpHdrID = &tcpRow.TCPHdrID
		}

		row := alertRow{
			GID: a.Type.GID, SID: a.Type.SID, Rev: a.Type.Rev,
			Timestamp: a.Timestamp, Priority: a.Priority,
			Desc: a.Description, Classtype: a.Classtype,
			IPHdrID: ipRow.IPHdrID, TCPHdrID: tcpHdrID,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		if a.FlowKey != nil {
			if flow, ok := flows[*a.FlowKey]; ok {
				for i, pkt := range flow.Packets {
					pr := packetStreamRow{AlertID: row.AlertID, PktIndex: i, Timestamp: pkt.Timestamp, Payload: pkt.Payload}
					if err := tx.Create(&pr).Error; err != nil {
						return err
					}
				}
			}
		}

		s.mu.Lock()
		s.alertIDs[a.Serial] = row.AlertID
		s.mu.Unlock()
		return nil
	})
}

// PersistEdges writes each correlation edge in its own transaction,
// resolving both endpoints through the alert_id mapping built by
// PersistAlerts. An edge referencing an alert that was never persisted
// (or failed to persist) is logged and skipped.
func (s *Serializer) PersistEdges(edges []*alertmodel.CorrelationEdge) {
	for _, e := range edges {
		if err := s.persistEdge(e); err != nil {
			s.log.Warn("failed to persist correlation edge", zap.Uint64("from", e.From), zap.Uint64("to", e.To), zap.Error(err))
		}
	}
}

func (s *Serializer) persistEdge(e *alertmodel.CorrelationEdge) error {
	s.mu.Lock()
	fromID, toID, err := resolveEdgeIDs(s.alertIDs, e)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	row := correlatedAlertRow{Alert1: fromID, Alert2: toID, Coefficient: e.Coefficient}
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
}

// resolveEdgeIDs maps an edge's ingestion-time serials to their output
// alert_id rows, failing if either endpoint was never persisted.
func resolveEdgeIDs(alertIDs map[uint64]uint64, e *alertmodel.CorrelationEdge) (fromID, toID uint64, err error) {
	fromID, fromOK := alertIDs[e.From]
	toID, toOK := alertIDs[e.To]
	if !fromOK || !toOK {
		return 0, 0, &aierr.ResourceError{Msg: "correlation edge references an alert not yet persisted"}
	}
	return fromID, toID, nil
}

func addrString(addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}
