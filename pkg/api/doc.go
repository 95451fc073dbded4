// Package api contains the core building blocks of the relay automation
// engine: the domain records it acts on, the collaborator interfaces it
// consumes and the Engine interface it exposes.
//
// Most users interact with the higher-level relay package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations such as alternative stores, messengers or
// observers.
//
// # Records
//
//   - Subject: a caregiver or client with contact fields, tasks and an
//     append-only notes log.
//   - Rule: a trigger type, a flat set of AND-combined conditions and one
//     action (send_sms, send_email, create_task).
//   - Sequence: an ordered list of steps, each delayed from enrollment.
//   - Enrollment and SequenceLogEntry: one subject's run through a sequence
//     and one row per step.
//   - InboundMessageLogEntry: the idempotency fence for inbound messages.
//
// # Collaborators
//
// The engine never talks to a messaging gateway, a pipeline definition or a
// provider history API directly. It depends on Messenger, PhaseResolver,
// HistoryProvider and StepScheduler, which callers implement.
//
// # Errors
//
// Engine operations return *Error values carrying an ErrorCode. Use
// errors.Is with ErrValidation, ErrAuth, ErrDuplicateEnrollment, ErrDelivery,
// ErrPersistence or ErrNotFound to classify them, and HTTPStatus to map them
// onto a response code.
//
// # Observability
//
// Observer receives lifecycle callbacks (rule matched, action completed,
// sequence started/stopped/completed, step executed, inbound routed, intake
// processed). LoggingObserver writes them with log/slog, BasicMetrics counts
// them, and CompositeObserver fans out to several observers.
package api
