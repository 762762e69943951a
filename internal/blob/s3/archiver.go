package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// multipartThreshold switches uploads to the transfer manager.
const multipartThreshold = 8 * 1024 * 1024

// SettlementPrefix is the key prefix of every archived settlement.
const SettlementPrefix = "settlements/"

// SettlementPath returns the object key for a settled market.
func SettlementPath(marketID uint64) string {
	return SettlementPrefix + strconv.FormatUint(marketID, 10) + ".json"
}

// MarketIDFromPath is the inverse of SettlementPath.
func MarketIDFromPath(path string) (uint64, bool) {
	name, ok := strings.CutPrefix(path, SettlementPrefix)
	if !ok {
		return 0, false
	}
	name, ok = strings.CutSuffix(name, ".json")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(name, 10, 64)
	return id, err == nil
}

// Existence is the part of domain.BlobReader the archiver needs.
type Existence interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver implements domain.SettlementArchiver. Records are written once;
// a second call for the same market is a no-op.
type Archiver struct {
	writer domain.BlobWriter
	exists Existence
	audit  domain.AuditStore
	now    func() time.Time
}

// NewArchiver creates an Archiver. exists and audit may be nil.
func NewArchiver(writer domain.BlobWriter, exists Existence, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer: writer,
		exists: exists,
		audit:  audit,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SettlementRecord is the archived JSON document.
type SettlementRecord struct {
	MarketID         uint64      `json:"market_id"`
	Asset            string      `json:"asset"`
	TargetPrice      string      `json:"target_price"`
	Creator          string      `json:"creator"`
	CreatedAt        time.Time   `json:"created_at"`
	EndTime          time.Time   `json:"end_time"`
	SettledAt        *time.Time  `json:"settled_at,omitempty"`
	SettlementPrice  string      `json:"settlement_price"`
	OutcomeAbove     bool        `json:"outcome_above"`
	TotalPool        string      `json:"total_pool"`
	WinningStake     string      `json:"winning_stake"`
	ParticipantCount uint64      `json:"participant_count"`
	Bets             []BetRecord `json:"bets"`
	ArchivedAt       time.Time   `json:"archived_at"`
}

// BetRecord is one bet inside a SettlementRecord. The ciphertext is kept so
// the reveal can be re-checked against the settlement key.
type BetRecord struct {
	Participant string    `json:"participant"`
	Stake       string    `json:"stake"`
	Ciphertext  []byte    `json:"ciphertext"`
	Revealed    string    `json:"revealed"`
	Payout      string    `json:"payout"`
	PlacedAt    time.Time `json:"placed_at"`
}

// NewSettlementRecord builds the archive document for m.
func NewSettlementRecord(m domain.Market, bets []domain.Bet, archivedAt time.Time) (SettlementRecord, error) {
	if m.State != domain.MarketSettled || m.SettlementPrice == nil || m.OutcomeAbove == nil {
		return SettlementRecord{}, fmt.Errorf("s3blob: market %d: %w", m.ID, domain.ErrNotSettled)
	}
	rec := SettlementRecord{
		MarketID:         m.ID,
		Asset:            m.Asset,
		TargetPrice:      m.TargetPrice.String(),
		Creator:          m.Creator.Hex(),
		CreatedAt:        m.CreatedAt,
		EndTime:          m.EndTime,
		SettledAt:        m.SettledAt,
		SettlementPrice:  m.SettlementPrice.String(),
		OutcomeAbove:     *m.OutcomeAbove,
		TotalPool:        domain.AmountString(m.TotalPool),
		WinningStake:     domain.AmountString(m.WinningStake),
		ParticipantCount: m.ParticipantCount,
		Bets:             make([]BetRecord, 0, len(bets)),
		ArchivedAt:       archivedAt,
	}
	for _, b := range bets {
		br := BetRecord{
			Participant: b.Participant.Hex(),
			Stake:       domain.AmountString(b.Stake),
			Ciphertext:  b.EncryptedPrediction,
			Revealed:    string(b.Revealed),
			PlacedAt:    b.PlacedAt,
		}
		if b.Payout != nil {
			br.Payout = domain.AmountString(*b.Payout)
		}
		rec.Bets = append(rec.Bets, br)
	}
	return rec, nil
}

// ArchiveSettlement uploads the settlement record and returns its path.
func (a *Archiver) ArchiveSettlement(ctx context.Context, m domain.Market, bets []domain.Bet) (string, error) {
	path := SettlementPath(m.ID)
	if a.exists != nil {
		ok, err := a.exists.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive market %d: %w", m.ID, err)
		}
		if ok {
			return path, nil
		}
	}

	rec, err := NewSettlementRecord(m, bets, a.now())
	if err != nil {
		return "", err
	}
	buf, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive market %d marshal: %w", m.ID, err)
	}

	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive market %d upload: %w", m.ID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.settlement", map[string]any{
			"market_id": m.ID,
			"path":      path,
			"bets":      len(bets),
			"bytes":     len(buf),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive market %d audit log: %w", m.ID, err)
		}
	}
	return path, nil
}

var _ domain.SettlementArchiver = (*Archiver)(nil)
