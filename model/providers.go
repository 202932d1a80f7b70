package model

import "context"

// DocumentStatusProvider reports document verification results.
type DocumentStatusProvider interface {
	IsDocumentVerified(ctx context.Context, applicationID, documentType string) (bool, error)
}

// PaymentStatusProvider reports whether an application fee has been paid.
type PaymentStatusProvider interface {
	IsPaymentComplete(ctx context.Context, applicationID string) (bool, error)
}

// RoleProvider authorizes manual transitions.
type RoleProvider interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// NotificationDispatcher delivers TransitionCompleted events. Delivery is
// fire-and-forget; errors never roll back a transition.
type NotificationDispatcher interface {
	Notify(ctx context.Context, event TransitionCompleted) error
}

// AuditSink durably records status records. It sits outside the
// transactional boundary of a transition.
type AuditSink interface {
	Record(ctx context.Context, record StatusRecord) error
}
