package remote

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"sync"
)

// Op names a remote API operation.
type Op string

// Operations.
const (
	OpCreate  Op = "create"
	OpDestroy Op = "destroy"
	OpAttach  Op = "attach"
	OpDetach  Op = "detach"
)

// Call is one recorded call to the fake.
type Call struct {
	Op     Op
	Kind   Kind
	Handle Handle
	Spec   Spec
	Attach AttachConfig
}

// Subject is the resource kind or attach kind a call acts on.
func (c Call) Subject() string {
	if c.Op == OpAttach || c.Op == OpDetach {
		return string(c.Attach.Kind)
	}
	if c.Op == OpDestroy {
		return string(c.Handle.Kind)
	}
	return string(c.Kind)
}

type failure struct {
	op      Op
	subject string
	times   int
	err     error
}

// Fake is an in-memory API. Creates are get-or-create by name, like the
// production adapter. Failures can be scripted per operation and subject.
type Fake struct {
	mu        sync.Mutex
	nextID    int
	nextIP    int
	resources map[string]Handle            // handle string -> handle
	byName    map[string]string            // kind/name -> handle string
	attached  map[string]map[string]string // handle string -> attach kind/target -> ip or ""
	failures  []*failure
	calls     []Call

	// BeforeCall, when set, runs before every call outside the lock.
	BeforeCall func(ctx context.Context, c Call)
}

// NewFake creates an empty fake.
func NewFake() *Fake {
	return &Fake{
		nextID:    1000,
		nextIP:    10,
		resources: make(map[string]Handle),
		byName:    make(map[string]string),
		attached:  make(map[string]map[string]string),
	}
}

// Fail makes the next times calls of op on subject (a resource or attach
// kind, or "" for any) return err. times < 0 fails forever.
func (f *Fake) Fail(op Op, subject string, times int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, &failure{op: op, subject: subject, times: times, err: err})
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CountCalls counts the calls of op on subject ("" matches any subject).
func (f *Fake) CountCalls(op Op, subject string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op && (subject == "" || c.Subject() == subject) {
			n++
		}
	}
	return n
}

// Resources returns the live resources sorted by handle.
func (f *Fake) Resources() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Handle, 0, len(f.resources))
	for _, h := range f.resources {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Exists reports whether a resource is live.
func (f *Fake) Exists(h Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.resources[h.String()]
	return ok
}

func (f *Fake) begin(ctx context.Context, c Call) error {
	if f.BeforeCall != nil {
		f.BeforeCall(ctx, c)
	}
	if err := ctx.Err(); err != nil {
		return &Error{Kind: ErrTimeout, Op: string(c.Op), Message: "context done", Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	for _, fl := range f.failures {
		if fl.op != c.Op || (fl.subject != "" && fl.subject != c.Subject()) || fl.times == 0 {
			continue
		}
		if fl.times > 0 {
			fl.times--
		}
		return fl.err
	}
	return nil
}

func (f *Fake) Create(ctx context.Context, kind Kind, spec Spec) (Handle, error) {
	if err := f.begin(ctx, Call{Op: OpCreate, Kind: kind, Spec: spec}); err != nil {
		return Handle{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if spec.Name != "" {
		if existing, ok := f.byName[string(kind)+"/"+spec.Name]; ok {
			return f.resources[existing], nil
		}
	}
	f.nextID++
	h := Handle{Kind: kind, ID: strconv.Itoa(f.nextID), Name: spec.Name, Attrs: maps.Clone(spec.Params)}
	f.resources[h.String()] = h
	if spec.Name != "" {
		f.byName[string(kind)+"/"+spec.Name] = h.String()
	}
	return h, nil
}

func (f *Fake) Destroy(ctx context.Context, h Handle) error {
	if err := f.begin(ctx, Call{Op: OpDestroy, Handle: h}); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	live, ok := f.resources[h.String()]
	if !ok {
		return Errorf(ErrNotFound, string(OpDestroy), "%s does not exist", h)
	}
	delete(f.resources, h.String())
	delete(f.byName, string(live.Kind)+"/"+live.Name)
	delete(f.attached, h.String())
	return nil
}

func (f *Fake) Attach(ctx context.Context, h Handle, cfg AttachConfig) (Ack, error) {
	if err := f.begin(ctx, Call{Op: OpAttach, Handle: h, Attach: cfg}); err != nil {
		return Ack{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.resources[h.String()]; !ok {
		return Ack{}, Errorf(ErrNotFound, string(OpAttach), "%s does not exist", h)
	}
	if f.attached[h.String()] == nil {
		f.attached[h.String()] = make(map[string]string)
	}
	key := string(cfg.Kind) + "/" + cfg.Target
	if prev, ok := f.attached[h.String()][key]; ok {
		return Ack{Attrs: map[string]string{"ip": prev}}, nil
	}

	ack := Ack{Attrs: map[string]string{}}
	if cfg.Kind == AttachNetwork {
		ip := cfg.Params["ip"]
		if ip == "" {
			f.nextIP++
			ip = fmt.Sprintf("10.0.2.%d", f.nextIP)
		}
		ack.Attrs["ip"] = ip
	}
	f.attached[h.String()][key] = ack.Attrs["ip"]
	return ack, nil
}

func (f *Fake) Detach(ctx context.Context, h Handle, cfg AttachConfig) error {
	if err := f.begin(ctx, Call{Op: OpDetach, Handle: h, Attach: cfg}); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.resources[h.String()]; !ok {
		return Errorf(ErrNotFound, string(OpDetach), "%s does not exist", h)
	}
	delete(f.attached[h.String()], string(cfg.Kind)+"/"+cfg.Target)
	return nil
}

// Attached reports whether an attach of kind/target is in place on h.
func (f *Fake) Attached(h Handle, kind AttachKind, target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.attached[h.String()][string(kind)+"/"+target]
	return ok
}
