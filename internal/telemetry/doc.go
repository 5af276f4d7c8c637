// Package telemetry ingests device measurements into the time-series
// store.
//
// Both ingresses (HTTP handlers and the MQTT consumer) decode payloads
// into the same Envelope and hand them to a shared Pipeline, so
// normalisation, liveness and write semantics cannot drift between
// transports.
//
// Submission stages, in order:
//
//  1. Validate the envelope against the authenticated device.
//  2. Stamp server receipt time; substitute it for missing, malformed
//     or badly skewed client timestamps (with a warning).
//  3. Flatten data and metadata one nesting level into dotted
//     measurement names, rejecting non-scalar leaves per entry.
//  4. Refresh the device's liveness keys.
//  5. Write the point batch, retrying transient store failures.
//
// Stages 4 and 5 are deliberately asymmetric: a dead store never rolls
// back the liveness update, because a failed write is still proof the
// device contacted us.
//
// # Batching
//
// Points queue per device and flush when the batch window lapses or the
// batch reaches the size limit, whichever comes first. Submit blocks
// until its batch flushes, so the report it returns reflects what the
// store actually did; under burst load many submissions share one store
// write. Batches for a single device flush in arrival order.
//
// # Partial Writes
//
// Permanent failures are per measurement, not per envelope: a type
// conflict on one series rejects that measurement and writes the rest.
// Report.Rejected carries the refused names and reasons back to the
// device.
package telemetry
