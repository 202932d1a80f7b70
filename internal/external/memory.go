// Package external provides the document verification and payment status
// collaborators consulted by guard predicates.
package external

import (
	"context"
	"sync"
)

// MemoryStatus is an in-memory document and payment status provider. It backs
// single-node deployments and tests, and is fed through the events endpoint.
type MemoryStatus struct {
	mu       sync.RWMutex
	docs     map[string]map[string]bool // application ID -> document type -> verified
	payments map[string]bool
}

// NewMemoryStatus creates an empty provider.
func NewMemoryStatus() *MemoryStatus {
	return &MemoryStatus{
		docs:     make(map[string]map[string]bool),
		payments: make(map[string]bool),
	}
}

// IsDocumentVerified implements model.DocumentStatusProvider.
func (m *MemoryStatus) IsDocumentVerified(_ context.Context, applicationID, documentType string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.docs[applicationID][documentType], nil
}

// IsPaymentComplete implements model.PaymentStatusProvider.
func (m *MemoryStatus) IsPaymentComplete(_ context.Context, applicationID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.payments[applicationID], nil
}

// SetDocumentVerified records the verification state of one document.
func (m *MemoryStatus) SetDocumentVerified(applicationID, documentType string, verified bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType, ok := m.docs[applicationID]
	if !ok {
		byType = make(map[string]bool)
		m.docs[applicationID] = byType
	}
	byType[documentType] = verified
}

// SetPaymentComplete records the payment state of an application.
func (m *MemoryStatus) SetPaymentComplete(applicationID string, complete bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[applicationID] = complete
}
