package event

// Response answers a ClientEvent. It has a single shape, Registered: Status is
// nil on success and Entrypoint then lists the allocated public addresses in
// allocation order. On failure Status is set and Entrypoint is empty.
type Response struct {
	Status     *Status
	Entrypoint []string
}

// Registered builds a success response. An empty entrypoint list cannot
// describe a usable tunnel and degrades to an internal failure.
func Registered(entrypoint []string) Response {
	if len(entrypoint) == 0 {
		return RegisterFailed(Errorf(CodeInternal, "no entrypoint allocated"))
	}
	out := make([]string, len(entrypoint))
	copy(out, entrypoint)
	return Response{Entrypoint: out}
}

// RegisterFailed builds a failure response. A nil status is treated as an
// internal failure so the response is never mistaken for success.
func RegisterFailed(st *Status) Response {
	if st == nil {
		st = Errorf(CodeInternal, "registration failed")
	}
	return Response{Status: st}
}

// OK reports whether the registration succeeded.
func (r Response) OK() bool { return r.Status == nil && len(r.Entrypoint) > 0 }

// Err returns the failure status as an error, nil on success.
func (r Response) Err() error {
	if r.Status == nil {
		return nil
	}
	return r.Status
}
