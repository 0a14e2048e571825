// Package enrich writes estimated property values onto CRM deals.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/openorbit/internal/batch"
	"github.com/jonathan/openorbit/internal/crm"
	"github.com/jonathan/openorbit/internal/db"
)

// KindPrefix prefixes the batch kind of every enrichment run.
const KindPrefix = "enrich:"

// DefaultFieldName is the deal field that receives the estimate.
const DefaultFieldName = "Estimated Value"

// CRM is the subset of the CRM API the job uses.
type CRM interface {
	Pipelines(ctx context.Context) ([]crm.Pipeline, error)
	Deals(ctx context.Context, pipelineID string) ([]crm.Deal, error)
	FindField(ctx context.Context, name string) (*crm.Field, error)
	CreateField(ctx context.Context, name, fieldType string) (*crm.Field, error)
	UpdateDealField(ctx context.Context, dealID, fieldKey string, value any) error
}

// ValuationCache stores valuation lookups. *db.DB implements it.
type ValuationCache interface {
	FindValuationByAddress(ctx context.Context, addr db.Address) (*db.ValuationEntry, error)
	InsertValuation(ctx context.Context, entry *db.ValuationEntry) error
}

// Estimate is a valuation result.
type Estimate struct {
	Value     float64
	SourceRef string
}

// Valuator estimates a property's value. It returns an error wrapping
// ErrNoEstimate when the source has nothing for the address.
type Valuator interface {
	Estimate(ctx context.Context, addr db.Address) (Estimate, error)
}

// Kind returns the batch kind for a pipeline.
func Kind(pipeline string) string {
	return KindPrefix + pipeline
}

// PipelineJob enriches every deal of one CRM pipeline.
type PipelineJob struct {
	pipeline  string
	fieldName string
	crm       CRM
	cache     ValuationCache
	valuator  Valuator
	validate  *validator.Validate
	logger    *slog.Logger
}

// JobOption configures a PipelineJob.
type JobOption func(*PipelineJob)

// WithFieldName overrides DefaultFieldName.
func WithFieldName(name string) JobOption {
	return func(j *PipelineJob) {
		if name != "" {
			j.fieldName = name
		}
	}
}

// WithJobLogger sets the logger.
func WithJobLogger(l *slog.Logger) JobOption {
	return func(j *PipelineJob) {
		if l != nil {
			j.logger = l
		}
	}
}

// NewPipelineJob creates the job for the named pipeline.
func NewPipelineJob(pipeline string, client CRM, cache ValuationCache, valuator Valuator, opts ...JobOption) *PipelineJob {
	j := &PipelineJob{
		pipeline:  pipeline,
		fieldName: DefaultFieldName,
		crm:       client,
		cache:     cache,
		valuator:  valuator,
		validate:  validator.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Kind implements batch.Job.
func (j *PipelineJob) Kind() string {
	return Kind(j.pipeline)
}

// Resolve locates the pipeline and find-or-creates the value field.
func (j *PipelineJob) Resolve(ctx context.Context) (batch.WorkSet, error) {
	pipelines, err := j.crm.Pipelines(ctx)
	if err != nil {
		return nil, &batch.FatalResolutionError{Kind: j.Kind(), Cause: fmt.Errorf("failed to list pipelines: %w", err)}
	}

	var target *crm.Pipeline
	for i := range pipelines {
		if strings.EqualFold(pipelines[i].Name, j.pipeline) {
			target = &pipelines[i]
			break
		}
	}
	if target == nil {
		return nil, &batch.NotFoundError{Kind: j.Kind(), Name: j.pipeline}
	}

	field, err := j.ensureField(ctx)
	if err != nil {
		return nil, &batch.FatalResolutionError{Kind: j.Kind(), Cause: err}
	}

	deals, err := j.crm.Deals(ctx, target.ID)
	if err != nil {
		return nil, &batch.FatalResolutionError{Kind: j.Kind(), Cause: fmt.Errorf("failed to list deals: %w", err)}
	}

	items := make([]batch.Item, len(deals))
	for i, deal := range deals {
		items[i] = batch.Item{Key: deal.ID, Data: deal}
	}

	j.logger.Info("resolved enrichment target",
		"pipeline", target.Name, "pipeline_id", target.ID, "field", field.Key, "deals", len(deals))

	return &workSet{job: j, fieldKey: field.Key, items: items}, nil
}

func (j *PipelineJob) ensureField(ctx context.Context) (*crm.Field, error) {
	field, err := j.crm.FindField(ctx, j.fieldName)
	if err != nil {
		return nil, fmt.Errorf("failed to look up field %q: %w", j.fieldName, err)
	}
	if field != nil {
		return field, nil
	}
	field, err = j.crm.CreateField(ctx, j.fieldName, crm.FieldTypeMonetary)
	if err != nil {
		return nil, fmt.Errorf("failed to create field %q: %w", j.fieldName, err)
	}
	j.logger.Info("created deal field", "name", j.fieldName, "key", field.Key)
	return field, nil
}

type workSet struct {
	job      *PipelineJob
	fieldKey string
	items    []batch.Item
}

func (w *workSet) Items() []batch.Item {
	return w.items
}

// Process enriches one deal. Deals without a full address or with a value
// already set are skipped, as are addresses whose cached lookup found nothing.
func (w *workSet) Process(ctx context.Context, item batch.Item) (batch.Outcome, error) {
	deal, ok := item.Data.(crm.Deal)
	if !ok {
		return 0, fmt.Errorf("unexpected item type %T", item.Data)
	}

	if v, ok := deal.Fields[w.fieldKey]; ok && v != nil {
		return batch.OutcomeSkipped, nil
	}
	if deal.Address == nil {
		return batch.OutcomeSkipped, nil
	}
	addr := db.Address{
		Line:       deal.Address.Line,
		City:       deal.Address.City,
		Region:     deal.Address.Region,
		PostalCode: deal.Address.PostalCode,
	}.Normalize()
	if err := w.job.validate.Struct(addr); err != nil {
		return batch.OutcomeSkipped, nil
	}

	cached, err := w.job.cache.FindValuationByAddress(ctx, addr)
	if err != nil {
		return 0, err
	}
	if cached != nil {
		if !cached.Succeeded() {
			return batch.OutcomeSkipped, nil
		}
		if err := w.job.crm.UpdateDealField(ctx, deal.ID, w.fieldKey, *cached.EstimatedValue); err != nil {
			return 0, err
		}
		return batch.OutcomeProcessed, nil
	}

	est, err := w.job.valuator.Estimate(ctx, addr)
	if err != nil {
		if !errors.Is(err, ErrNoEstimate) {
			return 0, err
		}
		msg := err.Error()
		if cacheErr := w.job.cache.InsertValuation(ctx, &db.ValuationEntry{Address: addr, Error: &msg}); cacheErr != nil {
			return 0, cacheErr
		}
		w.job.logger.Debug("no estimate", "deal", deal.ID, "address", addr.String(), "reason", msg)
		return batch.OutcomeSkipped, nil
	}

	entry := &db.ValuationEntry{Address: addr, EstimatedValue: &est.Value}
	if est.SourceRef != "" {
		entry.SourceRef = &est.SourceRef
	}
	if err := w.job.cache.InsertValuation(ctx, entry); err != nil {
		return 0, err
	}
	if err := w.job.crm.UpdateDealField(ctx, deal.ID, w.fieldKey, est.Value); err != nil {
		return 0, err
	}
	return batch.OutcomeProcessed, nil
}
