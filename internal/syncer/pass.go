package syncer

import (
	"context"
	"fmt"

	"osmcache/internal/events"
	"osmcache/internal/metrics"
	"osmcache/internal/model"
)

// pass is one run over a list of datasets. Each partition write commits
// before the next call is made.
type pass struct {
	c             *Controller
	ctx           context.Context
	correlationID string
	partition     string

	results      []DatasetResult
	failed       int
	succeeded    int
	firstFailure error

	sections []model.Section
	current  map[string]model.CurrentTerm
}

type tally struct {
	rows   int
	parts  int
	failed int
}

func (p *pass) execute(datasets []string) error {
	for _, d := range datasets {
		if err := p.ctx.Err(); err != nil {
			return err
		}
		t := &tally{}
		var err error
		switch d {
		case DatasetSections:
			err = p.syncSections(t)
		case DatasetTerms:
			err = p.syncTerms(t)
		case DatasetCurrentTerms:
			err = p.syncCurrentTerms(t)
		case DatasetMembers:
			err = p.syncMembers(t)
		case DatasetEvents:
			err = p.syncEvents(t)
		case DatasetAttendance:
			err = p.syncAttendance(t)
		case DatasetSectionMovers:
			err = p.syncSectionMovers(t)
		}
		if err != nil {
			metrics.SyncDatasetTotal.WithLabelValues(d, metrics.ResultFailure).Inc()
			p.c.logger.Warn("Sync stopped", "dataset", d, "error", err, "correlation_id", p.correlationID)
			return err
		}
		p.finishDataset(d, t)
	}
	return nil
}

// step runs one partition. Non-fatal failures are recorded and swallowed so
// the sync continues with the next partition.
func (p *pass) step(t *tally, dataset, partition string, fn func(nowMs int64) (int, error)) error {
	t.parts++
	rows, err := fn(p.c.clock.NowMs())
	r := DatasetResult{Dataset: dataset, Partition: partition, Result: metrics.ResultSuccess, Rows: rows}
	if err == nil {
		t.rows += rows
		p.results = append(p.results, r)
		return nil
	}

	r.Result = metrics.ResultFailure
	r.Rows = 0
	r.Error = err.Error()
	p.results = append(p.results, r)
	if fatal(p.ctx, err) {
		return err
	}
	t.failed++
	if p.firstFailure == nil {
		p.firstFailure = err
	}
	p.c.logger.Warn("Dataset refresh failed, continuing", "dataset", dataset, "partition", partition, "error", err, "correlation_id", p.correlationID)
	return nil
}

func (p *pass) finishDataset(dataset string, t *tally) {
	result := metrics.ResultSuccess
	switch {
	case t.failed > 0:
		result = metrics.ResultFailure
		p.failed++
	case t.parts == 0:
		result = metrics.ResultSkipped
	default:
		p.succeeded++
		// Partitioned datasets stamp each partition as it commits and the
		// dataset itself once every partition of a full pass succeeded
		if partitioned(dataset) && p.partition == "" {
			if err := p.c.db.SetLastSync(p.ctx, dataset, p.c.clock.NowMs()); err != nil {
				p.c.logger.Error("Failed to record last sync", "dataset", dataset, "error", err)
			}
		}
	}

	metrics.SyncDatasetTotal.WithLabelValues(dataset, result).Inc()
	p.c.events.Emit(events.KindSyncDatasetCompleted, p.correlationID, map[string]any{
		"dataset":    dataset,
		"result":     result,
		"rows":       t.rows,
		"partitions": t.parts,
		"failed":     t.failed,
	})
}

func (p *pass) syncSections(t *tally) error {
	return p.step(t, DatasetSections, "", func(nowMs int64) (int, error) {
		sections, err := p.c.gateway.ListSections(p.ctx)
		if err != nil {
			return 0, err
		}
		if err := p.c.db.ReplaceSections(p.ctx, sections, stamp(DatasetSections, nowMs)); err != nil {
			return 0, err
		}
		p.sections = sections
		return len(sections), nil
	})
}

func (p *pass) syncTerms(t *tally) error {
	return p.step(t, DatasetTerms, "", func(nowMs int64) (int, error) {
		terms, err := p.c.gateway.ListTerms(p.ctx)
		if err != nil {
			return 0, err
		}
		quarantined, err := p.c.db.ReplaceTerms(p.ctx, terms, stamp(DatasetTerms, nowMs))
		if err != nil {
			return 0, err
		}
		return len(terms) - quarantined, nil
	})
}

// syncCurrentTerms derives the current term of every section from the
// cached terms. It makes no gateway call.
func (p *pass) syncCurrentTerms(t *tally) error {
	return p.step(t, DatasetCurrentTerms, "", func(nowMs int64) (int, error) {
		sections, err := p.loadSections()
		if err != nil {
			return 0, err
		}
		today := p.c.clock.Today()
		current := make([]model.CurrentTerm, 0, len(sections))
		byID := make(map[string]model.CurrentTerm, len(sections))
		for _, s := range sections {
			terms, err := p.c.db.TermsForSection(p.ctx, s.SectionID)
			if err != nil {
				return 0, err
			}
			ct, ok := model.CurrentTermFor(s.SectionID, terms, today, nowMs)
			if !ok {
				continue
			}
			current = append(current, ct)
			byID[s.SectionID] = ct
		}
		if err := p.c.db.ReplaceCurrentTerms(p.ctx, current, stamp(DatasetCurrentTerms, nowMs)); err != nil {
			return 0, err
		}
		p.current = byID
		return len(current), nil
	})
}

func (p *pass) syncMembers(t *tally) error {
	return p.eachSection(t, DatasetMembers, func(s model.Section, termID string, nowMs int64) (int, error) {
		members, err := p.c.gateway.ListMembers(p.ctx, s, termID)
		if err != nil {
			return 0, err
		}
		if err := p.c.db.ReplaceMembers(p.ctx, s.SectionID, members, stamp(PartitionKey(DatasetMembers, s.SectionID), nowMs)); err != nil {
			return 0, err
		}
		return len(members), nil
	})
}

func (p *pass) syncEvents(t *tally) error {
	return p.eachSection(t, DatasetEvents, func(s model.Section, termID string, nowMs int64) (int, error) {
		evts, err := p.c.gateway.ListEvents(p.ctx, s, termID)
		if err != nil {
			return 0, err
		}
		if err := p.c.db.ReplaceEvents(p.ctx, s.SectionID, evts, stamp(PartitionKey(DatasetEvents, s.SectionID), nowMs)); err != nil {
			return 0, err
		}
		return len(evts), nil
	})
}

func (p *pass) syncSectionMovers(t *tally) error {
	return p.eachSection(t, DatasetSectionMovers, func(s model.Section, termID string, nowMs int64) (int, error) {
		rec, err := p.c.gateway.SectionMovers(p.ctx, s.SectionID, termID, p.c.moversRecord)
		if err != nil {
			return 0, err
		}
		if err := p.c.db.ReplaceSectionMovers(p.ctx, s.SectionID, rec, stamp(PartitionKey(DatasetSectionMovers, s.SectionID), nowMs)); err != nil {
			return 0, err
		}
		if rec == nil {
			return 0, nil
		}
		return len(rec.Items), nil
	})
}

// syncAttendance refreshes events that ended within the lookback window or
// have not ended yet
func (p *pass) syncAttendance(t *tally) error {
	evts, err := p.c.db.ListEvents(p.ctx)
	if err != nil {
		return p.step(t, DatasetAttendance, "", func(int64) (int, error) { return 0, err })
	}
	cutoff := p.c.clock.Today().AddDays(-p.c.lookbackDays)

	for _, e := range evts {
		if p.partition != "" && e.EventID != p.partition {
			continue
		}
		if p.partition == "" && eventEnd(e).Before(cutoff) {
			continue
		}
		ct, ok, err := p.currentTerm(e.SectionID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		err = p.step(t, DatasetAttendance, e.EventID, func(nowMs int64) (int, error) {
			records, err := p.c.gateway.GetAttendance(p.ctx, e, ct.CurrentTermID)
			if err != nil {
				return 0, err
			}
			if err := p.c.db.ReplaceAttendance(p.ctx, e.EventID, records, stamp(PartitionKey(DatasetAttendance, e.EventID), nowMs)); err != nil {
				return 0, err
			}
			return len(records), nil
		})
		if err != nil {
			return err
		}
		if err := p.ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func eventEnd(e model.Event) model.Date {
	if !e.EndDate.IsZero() {
		return model.DateOf(e.EndDate)
	}
	return model.DateOf(e.StartDate)
}

// eachSection runs fn for every section with a current term, or only for
// the requested partition
func (p *pass) eachSection(t *tally, dataset string, fn func(s model.Section, termID string, nowMs int64) (int, error)) error {
	sections, err := p.loadSections()
	if err != nil {
		return p.step(t, dataset, "", func(int64) (int, error) { return 0, err })
	}
	for _, s := range sections {
		if p.partition != "" && s.SectionID != p.partition {
			continue
		}
		ct, ok, err := p.currentTerm(s.SectionID)
		if err != nil {
			return err
		}
		if !ok {
			p.c.logger.Debug("Section has no current term, skipping", "dataset", dataset, "section_id", s.SectionID)
			continue
		}
		err = p.step(t, dataset, s.SectionID, func(nowMs int64) (int, error) {
			return fn(s, ct.CurrentTermID, nowMs)
		})
		if err != nil {
			return err
		}
		if err := p.ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// loadSections prefers the sections fetched in this pass and falls back to
// the cache when the sections dataset failed or was not part of the pass
func (p *pass) loadSections() ([]model.Section, error) {
	if p.sections != nil {
		return p.sections, nil
	}
	sections, err := p.c.db.ListSections(p.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached sections: %w", err)
	}
	p.sections = sections
	return sections, nil
}

func (p *pass) currentTerm(sectionID string) (model.CurrentTerm, bool, error) {
	if p.current != nil {
		ct, ok := p.current[sectionID]
		return ct, ok, nil
	}
	ct, ok, err := p.c.db.CurrentTerm(p.ctx, sectionID)
	if err != nil {
		return model.CurrentTerm{}, false, fmt.Errorf("failed to load current term: %w", err)
	}
	return ct, ok, nil
}

// checkPartition rejects a partition that is not in the cache
func (c *Controller) checkPartition(ctx context.Context, dataset, partition string) error {
	if dataset == DatasetAttendance {
		evts, err := c.db.ListEvents(ctx)
		if err != nil {
			return err
		}
		for _, e := range evts {
			if e.EventID == partition {
				return nil
			}
		}
		return fmt.Errorf("%w: event %s", ErrUnknownPartition, partition)
	}

	sections, err := c.db.ListSections(ctx)
	if err != nil {
		return err
	}
	for _, s := range sections {
		if s.SectionID == partition {
			return nil
		}
	}
	return fmt.Errorf("%w: section %s", ErrUnknownPartition, partition)
}
