// Package batchtest provides an in-memory inference provider for tests.
package batchtest

import (
	"context"
	"fmt"
	"sync"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/ports"
)

// Provider records submitted batches and serves scripted statuses and results.
type Provider struct {
	mu       sync.Mutex
	seq      int
	batches  map[string][]domain.BatchRequest
	order    []string
	statuses map[string]domain.BatchStatus
	results  map[string][]domain.BatchResult

	// SubmitErr, when set, is returned by the next SubmitBatch call.
	SubmitErr error
	// StatusErr, when set, is returned by every BatchStatus call.
	StatusErr error
}

var _ ports.InferenceProvider = (*Provider)(nil)

// NewProvider returns an empty fake.
func NewProvider() *Provider {
	return &Provider{
		batches:  map[string][]domain.BatchRequest{},
		statuses: map[string]domain.BatchStatus{},
		results:  map[string][]domain.BatchResult{},
	}
}

func (p *Provider) SubmitBatch(_ context.Context, stage domain.Stage, requests []domain.BatchRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.SubmitErr; err != nil {
		p.SubmitErr = nil
		return "", err
	}
	p.seq++
	handle := fmt.Sprintf("%s_batch_%d", stage, p.seq)
	p.batches[handle] = append([]domain.BatchRequest(nil), requests...)
	p.order = append(p.order, handle)
	p.statuses[handle] = domain.BatchStatus{Handle: handle, State: domain.BatchRunning}
	return handle, nil
}

func (p *Provider) BatchStatus(_ context.Context, handle string) (domain.BatchStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StatusErr != nil {
		return domain.BatchStatus{}, p.StatusErr
	}
	st, ok := p.statuses[handle]
	if !ok {
		return domain.BatchStatus{}, fmt.Errorf("unknown batch %s", handle)
	}
	return st, nil
}

func (p *Provider) BatchResults(_ context.Context, handle string) ([]domain.BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.BatchResult(nil), p.results[handle]...), nil
}

// Handles lists submitted handles in submission order.
func (p *Provider) Handles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Requests returns the requests submitted under handle.
func (p *Provider) Requests(handle string) []domain.BatchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.BatchRequest(nil), p.batches[handle]...)
}

// AllRequests returns every submitted request across handles.
func (p *Provider) AllRequests() []domain.BatchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.BatchRequest
	for _, h := range p.order {
		out = append(out, p.batches[h]...)
	}
	return out
}

// Complete marks handle completed, answering each request with respond.
func (p *Provider) Complete(handle string, respond func(domain.BatchRequest) domain.BatchResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var results []domain.BatchResult
	for _, req := range p.batches[handle] {
		res := respond(req)
		if res.CorrelationID == "" {
			res.CorrelationID = req.CorrelationID
		}
		results = append(results, res)
	}
	p.results[handle] = results
	p.statuses[handle] = domain.BatchStatus{Handle: handle, State: domain.BatchCompleted}
}

// CompleteAll completes every still-running batch with respond.
func (p *Provider) CompleteAll(respond func(domain.BatchRequest) domain.BatchResult) {
	for _, h := range p.Handles() {
		p.mu.Lock()
		running := p.statuses[h].State == domain.BatchRunning
		p.mu.Unlock()
		if running {
			p.Complete(h, respond)
		}
	}
}

// Fail marks handle failed with reason.
func (p *Provider) Fail(handle, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[handle] = domain.BatchStatus{Handle: handle, State: domain.BatchFailed, Reason: reason}
}
