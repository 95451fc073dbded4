// Package relay provides an embeddable automation and sequencing engine for
// recruiting and client pipelines.
//
// Relay reacts to domain events on a subject (a caregiver or client record)
// by evaluating declarative rules and running communication or task actions,
// optionally spread across multi-step, time-delayed sequences with
// cancellation semantics.
//
// # Core Concepts
//
//  1. Engine
//  2. Rule
//  3. Sequence
//  4. Worker
//  5. LocalRunner
//
// # Engine
//
// The Engine stores rule, sequence and API key definitions, persists subjects
// and enrollments, and exposes the lifecycle entry points that emit events:
//
//   - CreateSubject fires new_subject and enrolls initial-phase sequences
//   - ChangePhase fires phase_change and re-targets phase sequences
//   - CompleteTask fires task_completed
//   - RecordDocument fires document_uploaded or document_signed
//   - Route handles an inbound text message exactly once per message id
//   - Ingest maps and deduplicates an external form submission
//
// Automation started by a request runs in the background but the request
// waits for it up to a bounded time. Engines are backed by process memory
// (NewInMemoryEngine) or SQLite (NewSQLiteEngine).
//
// # Rules
//
// A Rule pairs a trigger with AND-combined conditions and one action:
// send_sms, send_email or create_task. Message templates use {{field}} merge
// fields such as {{first_name}} or {{care_recipient_name}}. Every fired action
// leaves a note on the subject, and a trigger carrying an event id fires each
// rule at most once per subject.
//
// # Sequences
//
// A Sequence is an ordered list of steps, each delayed from enrollment. Steps
// with no delay run on enrollment; the rest are recorded as pending and run
// later by ExecuteDueSteps or by a Worker consuming the task queue. A subject
// has at most one active enrollment per sequence. Enrollments are cancelled on
// an inbound reply (unless the sequence was built with ContinueOnResponse) or
// when the subject leaves the trigger phase.
//
//	seq := relay.NewSequence("welcome").
//	    TriggerPhase("intake").
//	    SMS(0, "Hi {{first_name}}, thanks for applying").
//	    Email(24, "Next steps", "Dear {{full_name}}")
//	seq.MustRegister(ctx, eng)
//
// # Workers
//
// NewSQLiteBundle and NewLocalRunner wire an engine to a task queue and a
// Worker. The engine enqueues each delayed step with NotBefore set to its
// scheduled time, and the worker runs it once due. A step is claimed with a
// compare-and-swap, so redelivered tasks never send twice.
package relay
