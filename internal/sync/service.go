package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"garagesync/internal/config"
	"garagesync/internal/store"
)

// DealClient is the Bitrix24 surface the reconciliation pass needs. It is
// satisfied by bitrix.Client; tests substitute a fake.
type DealClient interface {
	// FindDealByCustomer resolves the deal for a customer id.
	// found=false means no deal exists, which is not an error.
	FindDealByCustomer(ctx context.Context, userID int64) (int64, bool, error)
	// GetDealFields reads current values for the given UF codes.
	GetDealFields(ctx context.Context, dealID int64, codes []string) (map[string]interface{}, error)
	// UpdateDealFields writes the fields and reports the codes whose
	// stored value did not move.
	UpdateDealFields(ctx context.Context, dealID int64, fields map[string]interface{}) ([]string, error)
}

// Stable skip reasons recorded in the bookkeeping tables. Consumers key off
// these strings, so they must not change.
const (
	SkipNoDeal   = "deal not found"
	SkipNoUserID = "row without userId"
)

// Totals summarizes one reconciliation pass.
type Totals struct {
	Updated int
	Skipped int
	Errors  int
}

// Options carries the optional pacing knobs.
type Options struct {
	// PauseBetweenUsers delays after a customer that produced no deal
	// lookup beyond the find itself.
	PauseBetweenUsers time.Duration
	// PauseBetweenDeals delays after every deal read/write sequence.
	PauseBetweenDeals time.Duration
}

// Service runs reconciliation passes over the local store.
type Service struct {
	store    *store.Store
	deals    DealClient
	mappings []config.EffectiveMapping
	opts     Options
	logger   *log.Logger
}

// NewService creates a Service. A nil logger falls back to stderr.
func NewService(st *store.Store, deals DealClient, mappings []config.EffectiveMapping, opts Options, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Service{
		store:    st,
		deals:    deals,
		mappings: mappings,
		opts:     opts,
		logger:   logger,
	}
}

// SyncAll reconciles the latest garage record of every customer (or of one
// customer when onlyUser is non-zero) into the matching deal.
//
// Per-customer failures are contained: the outcome is recorded and the pass
// moves on. Only context cancellation and bookkeeping failures abort the
// pass, since an unrecorded outcome would leave the audit trail lying.
func (s *Service) SyncAll(ctx context.Context, onlyUser int64) (Totals, error) {
	var totals Totals

	rows, err := s.store.SelectLatestPerCustomer(ctx, onlyUser)
	if err != nil {
		return totals, fmt.Errorf("failed to select latest records: %w", err)
	}
	s.logger.Printf("SYNC: customers to process=%d (strategy=latest_per_customer)", len(rows))

	for i, vehicle := range rows {
		if err := ctx.Err(); err != nil {
			return totals, err
		}

		step := fmt.Sprintf("SYNC %d/%d", i+1, len(rows))
		if done, err := s.syncOne(ctx, step, vehicle, &totals); err != nil {
			return totals, err
		} else if done && s.opts.PauseBetweenDeals > 0 {
			time.Sleep(s.opts.PauseBetweenDeals)
		}
	}

	s.logger.Printf("SYNC: finished -> updated=%d skipped=%d errors=%d",
		totals.Updated, totals.Skipped, totals.Errors)
	return totals, nil
}

// syncOne processes a single customer record. The returned bool reports
// whether a deal was touched (and the between-deals pause applies).
func (s *Service) syncOne(ctx context.Context, step string, vehicle store.Vehicle, totals *Totals) (bool, error) {
	uid := vehicle.UserID
	if uid == 0 {
		totals.Skipped++
		s.logger.Printf("WARNING: %s: record id=%d has no customer id -> skipped", step, vehicle.ID)
		return false, s.record(ctx, store.Outcome{
			SourceVehicleID:   vehicle.ID,
			SourceDateUpdated: vehicle.DateUpdated,
			Result:            store.ResultSkipped,
			Error:             SkipNoUserID,
		})
	}

	s.logger.Printf("%s: userId=%d record_id=%d dateUpdated=%s -> find deal",
		step, uid, vehicle.ID, vehicle.DateUpdated)

	dealID, found, err := s.deals.FindDealByCustomer(ctx, uid)
	if err != nil {
		totals.Errors++
		s.logger.Printf("ERROR: %s: deal lookup failed for userId=%d: %v", step, uid, err)
		return false, s.record(ctx, store.Outcome{
			UserID:            uid,
			SourceVehicleID:   vehicle.ID,
			SourceDateUpdated: vehicle.DateUpdated,
			Result:            store.ResultError,
			Error:             err.Error(),
		})
	}
	if !found {
		totals.Skipped++
		s.logger.Printf("%s: userId=%d -> no deal found, skip", step, uid)
		err := s.record(ctx, store.Outcome{
			UserID:            uid,
			SourceVehicleID:   vehicle.ID,
			SourceDateUpdated: vehicle.DateUpdated,
			Result:            store.ResultSkipped,
			Error:             SkipNoDeal,
		})
		if err == nil && s.opts.PauseBetweenUsers > 0 {
			time.Sleep(s.opts.PauseBetweenUsers)
		}
		return false, err
	}

	s.logger.Printf("%s: userId=%d -> deal_id=%d", step, uid, dealID)

	candidate := BuildFields(vehicle.Attributes(), s.mappings)
	codes := sortedCodes(candidate)

	current, err := s.deals.GetDealFields(ctx, dealID, codes)
	if err != nil {
		totals.Errors++
		s.logger.Printf("ERROR: %s: failed to read deal %d: %v", step, dealID, err)
		return false, s.record(ctx, store.Outcome{
			UserID:            uid,
			DealID:            dealID,
			SourceVehicleID:   vehicle.ID,
			SourceDateUpdated: vehicle.DateUpdated,
			Result:            store.ResultError,
			FieldCodes:        codes,
			Error:             err.Error(),
		})
	}

	diff := Diff(current, candidate)
	if len(diff) == 0 {
		totals.Skipped++
		s.logger.Printf("%s: deal_id=%d -> no changes (skip)", step, dealID)
		return true, s.record(ctx, store.Outcome{
			UserID:            uid,
			DealID:            dealID,
			SourceVehicleID:   vehicle.ID,
			SourceDateUpdated: vehicle.DateUpdated,
			Result:            store.ResultSkipped,
			FieldCodes:        []string{},
		})
	}

	changed := sortedCodes(diff)
	s.logger.Printf("%s: deal_id=%d -> fields_to_update=%v (count=%d)", step, dealID, changed, len(changed))

	notApplied, err := s.deals.UpdateDealFields(ctx, dealID, diff)
	if err != nil {
		totals.Errors++
		s.logger.Printf("ERROR: %s: update failed (deal_id=%d): %v", step, dealID, err)
		return true, s.record(ctx, store.Outcome{
			UserID:            uid,
			DealID:            dealID,
			SourceVehicleID:   vehicle.ID,
			SourceDateUpdated: vehicle.DateUpdated,
			Result:            store.ResultError,
			FieldCodes:        changed,
			Error:             err.Error(),
		})
	}

	totals.Updated++
	if len(notApplied) > 0 {
		s.logger.Printf("WARNING: %s: deal_id=%d accepted the update but %d field(s) kept their value: %v",
			step, dealID, len(notApplied), notApplied)
	}
	s.logger.Printf("%s: deal_id=%d -> update OK", step, dealID)
	return true, s.record(ctx, store.Outcome{
		UserID:            uid,
		DealID:            dealID,
		SourceVehicleID:   vehicle.ID,
		SourceDateUpdated: vehicle.DateUpdated,
		Result:            store.ResultUpdated,
		FieldCodes:        changed,
	})
}

func (s *Service) record(ctx context.Context, o store.Outcome) error {
	if err := s.store.RecordOutcome(ctx, o); err != nil {
		return fmt.Errorf("failed to record outcome for user %d: %w", o.UserID, err)
	}
	return nil
}

func sortedCodes(fields map[string]interface{}) []string {
	codes := make([]string, 0, len(fields))
	for code := range fields {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
