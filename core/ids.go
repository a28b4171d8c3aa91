package core

import "github.com/google/uuid"

// =============================================================================
// IDENTIFIERS
// =============================================================================
// Strong typing keeps employee, benefit, and policy ids from being mixed up
// at call sites. All are uuid-shaped strings in practice, but external
// directory ids pass through untouched.

type OrgID string
type EmployeeID string
type BenefitID string
type PolicyID string
type RequestID string
type EventID string

// NewRequestID returns a fresh request identifier.
func NewRequestID() RequestID { return RequestID(uuid.NewString()) }

// NewEventID returns a fresh ledger event identifier.
func NewEventID() EventID { return EventID(uuid.NewString()) }
