package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
	"github.com/MikkoParkkola/translate-gateway/internal/orchestrator"
)

// Translator is the slice of the orchestrator the worker needs.
type Translator interface {
	TranslateBatch(ctx context.Context, texts []string, sourceLang, targetLang string, opts domain.TranslateOptions) ([]*orchestrator.Translation, error)
}

// Worker drains queued jobs through the translator and publishes
// results. Errors are reported in the result rather than requeued so a
// poisoned job cannot loop forever.
type Worker struct {
	queue      Queue
	translator Translator
	batchSize  int
	done       chan struct{}
	stopped    chan struct{}
}

func NewWorker(q Queue, t Translator, batchSize int) *Worker {
	if batchSize < 1 {
		batchSize = 5
	}
	return &Worker{
		queue:      q,
		translator: t,
		batchSize:  batchSize,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.stopped)
		for {
			select {
			case <-w.done:
				return
			case <-ctx.Done():
				return
			default:
			}

			jobs, err := w.queue.ReceiveJobs(ctx, w.batchSize)
			if err != nil {
				slog.Warn("failed to receive jobs", "error", err)
				select {
				case <-time.After(5 * time.Second):
				case <-w.done:
					return
				}
				continue
			}

			if len(jobs) == 0 {
				select {
				case <-time.After(time.Second):
				case <-w.done:
					return
				}
				continue
			}

			for _, job := range jobs {
				w.process(ctx, job)
			}
		}
	}()
}

func (w *Worker) Stop() {
	close(w.done)
	<-w.stopped
}

func (w *Worker) process(ctx context.Context, job Job) {
	result := JobResult{
		JobID:     job.ID,
		CreatedAt: time.Now(),
	}

	translations, err := w.translator.TranslateBatch(ctx, job.Texts, job.SourceLang, job.TargetLang, job.Options)
	if err != nil {
		result.Error = err.Error()
		slog.Warn("job failed", "job_id", job.ID, "error", err)
	} else {
		result.Translated = make([]string, len(translations))
		for i, t := range translations {
			result.Translated[i] = t.TranslatedText
			result.TotalCharge += t.CostUSD
			result.Provider = t.Provider
		}
	}

	if err := w.queue.SendResult(ctx, result); err != nil {
		slog.Warn("failed to publish job result", "job_id", job.ID, "error", err)
		return
	}

	if job.ReceiptHandle != "" {
		if err := w.queue.DeleteJob(ctx, job.ReceiptHandle); err != nil {
			slog.Warn("failed to delete job", "job_id", job.ID, "error", err)
		}
	}
}
