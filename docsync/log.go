package docsync

// Logging convention in the `docsync` package, following the connect package:
// Info:
//     abnormal events that the session survives, e.g. a transport drop,
//     a dropped message, a snapshot that could not be persisted.
//     Silent on normal operation except one time session initialization.
// Error:
//     fatal session failures, e.g. a protocol violation.
// V(1):
//     session lifecycle: hello, restore, close.
// V(2):
//     per message traces: flush, ack, broadcast, ws send/receive.
//
// Messages are prefixed with a bracketed tag, `[sync]`, `[ws]`, `[peer]`.
