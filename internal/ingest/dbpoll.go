package ingest

import (
	"context"
	"net/netip"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/blacklight/aicorrd/internal/aierr"
	"github.com/blacklight/aicorrd/internal/alertmodel"
	"github.com/blacklight/aicorrd/internal/flow"
)

// alertRow, ipv4Row, and tcpRow are the gorm-mapped input tables the DB
// poller joins to reconstruct the canonical Alert shape.
type alertRow struct {
	CID       uint64 `gorm:"primaryKey;column:cid"`
	GID       uint32 `gorm:"column:gid"`
	SID       uint32 `gorm:"column:sid"`
	Rev       uint32 `gorm:"column:rev"`
	Priority  int    `gorm:"column:priority"`
	Classtype string `gorm:"column:classtype"`
	Timestamp int64  `gorm:"column:timestamp"`
}

func (alertRow) TableName() string { return "event" }

type ipv4Row struct {
	CID      uint64 `gorm:"column:cid"`
	TOS      uint8  `gorm:"column:ip_tos"`
	Length   uint16 `gorm:"column:ip_len"`
	ID       uint16 `gorm:"column:ip_id"`
	TTL      uint8  `gorm:"column:ip_ttl"`
	Protocol uint8  `gorm:"column:ip_proto"`
	Src      string `gorm:"column:ip_src"`
	Dst      string `gorm:"column:ip_dst"`
}

func (ipv4Row) TableName() string { return "iphdr" }

type tcpRow struct {
	CID     uint64 `gorm:"column:cid"`
	SrcPort uint16 `gorm:"column:tcp_sport"`
	DstPort uint16 `gorm:"column:tcp_dport"`
	Seq     uint32 `gorm:"column:tcp_seq"`
	Ack     uint32 `gorm:"column:tcp_ack"`
	Flags   uint8  `gorm:"column:tcp_flags"`
	Window  uint16 `gorm:"column:tcp_win"`
	Length  uint16 `gorm:"column:tcp_len"`
}

func (tcpRow) TableName() string { return "tcphdr" }

// cursor is the keyset pagination high-water mark: (cid, timestamp).
type cursor struct {
	CID       uint64
	Timestamp int64
}

// DBPollIngestor polls the input database on a period using keyset
// pagination over (cid, timestamp), wrapped in avast/retry-go so a
// transient disconnect doesn't abandon the cursor.
type DBPollIngestor struct {
	buffer
	db       *gorm.DB
	tracker  *flow.Tracker
	interval time.Duration
	log      *zap.Logger
	cur      cursor
}

// NewDBPoll returns a DBPollIngestor over db, polling every interval.
func NewDBPoll(db *gorm.DB, tracker *flow.Tracker, interval time.Duration, log *zap.Logger) *DBPollIngestor {
	return &DBPollIngestor{db: db, tracker: tracker, interval: interval, log: log}
}

// Run polls until ctx is canceled.
func (d *DBPollIngestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.pollOnce(ctx); err != nil {
				if aierr.IsFatal(err) {
					return err
				}
				if d.log != nil {
					d.log.Warn("db poll iteration failed, retrying next period", zap.Error(err))
				}
			}
		}
	}
}

func (d *DBPollIngestor) pollOnce(ctx context.Context) error {
	var rows []alertRow
	err := retry.Do(
		func() error {
			return d.db.WithContext(ctx).
				Where("cid > ? OR (cid = ? AND timestamp > ?)", d.cur.CID, d.cur.CID, d.cur.Timestamp).
				Order("timestamp ASC, cid ASC").
				Limit(500).
				Find(&rows).Error
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
	)
	if err != nil {
		return &aierr.TransientIOError{Op: "poll alert rows", Err: err}
	}

	for _, row := range rows {
		a, err := d.hydrate(ctx, row)
		if err != nil {
			return err
		}
		if _, err := d.buffer.append(func(serial uint64) (*alertmodel.Alert, error) {
			a.Serial = serial
			return a, nil
		}); err != nil {
			return err
		}
		d.cur = cursor{CID: row.CID, Timestamp: row.Timestamp}
	}
	return nil
}

// Cursor returns the current keyset pagination high-water mark, for
// callers that checkpoint it across restarts (the Scheduler's bbolt store).
func (d *DBPollIngestor) Cursor() (cid uint64, timestamp int64) {
	return d.cur.CID, d.cur.Timestamp
}

// SetCursor restores a previously checkpointed high-water mark before Run
// starts polling.
func (d *DBPollIngestor) SetCursor(cid uint64, timestamp int64) {
	d.cur = cursor{CID: cid, Timestamp: timestamp}
}

func (d *DBPollIngestor) hydrate(ctx context.Context, row alertRow) (*alertmodel.Alert, error) {
	var ip ipv4Row
	if err := d.db.WithContext(ctx).Where("cid = ?", row.CID).First(&ip).Error; err != nil {
		return nil, &aierr.MalformedRecordError{Msg: "missing ipv4 header for cid " + strconv.FormatUint(row.CID, 10)}
	}

	srcAddr, err := netip.ParseAddr(ip.Src)
	if err != nil {
		return nil, &aierr.MalformedRecordError{Msg: "malformed src address: " + ip.Src}
	}
	dstAddr, err := netip.ParseAddr(ip.Dst)
	if err != nil {
		return nil, &aierr.MalformedRecordError{Msg: "malformed dst address: " + ip.Dst}
	}

	a := &alertmodel.Alert{
		Type:         alertmodel.AlertTypeKey{GID: row.GID, SID: row.SID, Rev: row.Rev},
		Priority:     row.Priority,
		Classtype:    row.Classtype,
		Timestamp:    row.Timestamp,
		GroupedCount: 1,
		IPv4: alertmodel.IPv4Header{
			TOS: ip.TOS, Length: ip.Length, ID: ip.ID, TTL: ip.TTL, Protocol: ip.Protocol,
			Src: srcAddr, Dst: dstAddr,
		},
	}

	if ip.Protocol == 6 {
		var tcp tcpRow
		if err := d.db.WithContext(ctx).Where("cid = ?", row.CID).First(&tcp).Error; err == nil {
			a.TCP = &alertmodel.TCPHeader{
				SrcPort: tcp.SrcPort, DstPort: tcp.DstPort, Seq: tcp.Seq, Ack: tcp.Ack,
				Flags: tcp.Flags, Window: tcp.Window, Length: tcp.Length,
			}
			if d.tracker != nil {
				fk := alertmodel.FlowKey{SrcAddr: srcAddr, DstPort: tcp.DstPort}
				if _, ok := d.tracker.Lookup(fk); ok {
					d.tracker.MarkObserved(fk)
					a.FlowKey = &fk
				}
			}
		}
	}

	return a, nil
}
