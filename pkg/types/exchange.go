package types

// Exchange records one attempt at one logical key: the request, the
// response or transport error, and the policy decisions attached to it.
// The exchange log is append-only.
type Exchange struct {
	Path        string
	Spec        *Spec
	Req         *Request
	Res         *Response
	Err         error
	Success     bool
	Retry       *RetryDecision
	Cache       *CacheDecision
	Attempt     int
	StartedAt   int64
	CompletedAt int64
}
