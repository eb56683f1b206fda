// Package backend adapts the co-located relational engine to the narrow
// interface the control plane consumes: begin/execute/prepare/commit/
// rollback sessions plus pooled read queries.
//
// The engine exposes no native XA, so Prepare is implemented as "run the
// statement inside an open transaction and validate, but do not commit".
// A successful prepare leaves the connection pinned until the decision
// arrives; pinned connections count against the fixed pool capacity, so
// writers block new readers only when the pool is exhausted.
package backend
