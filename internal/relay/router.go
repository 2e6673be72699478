package relay

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/clock"
	"github.com/diora/switchboard/internal/models"
)

// DefaultOperator is the designation slot used when a session is designated
// without naming an operator (the widget opening a chat, auto-designation).
const DefaultOperator = ""

// DefaultReplyRefs bounds how many notification ids are remembered for
// reply routing.
const DefaultReplyRefs = 1024

// DefaultRecentWindow is how recent a customer message must be for
// auto-designation to consider its session.
const DefaultRecentWindow = 10 * time.Minute

// Resolution says how an inbound message was matched to a session.
type Resolution string

const (
	ResolvedByReply    Resolution = "reply"
	ResolvedByOperator Resolution = "operator"
	ResolvedByDefault  Resolution = "default"
	Unresolved         Resolution = ""
)

// Router maps inbound operator messages to sessions. A reply to a
// notification routes to that notification's session; anything else goes to
// the session designated for the sending operator, falling back to the
// default designation.
type Router struct {
	refs   *lru.Cache[string, string]
	logger *log.Logger

	mu          sync.Mutex
	designated  map[string]string // operator -> session id
	ambiguous   string            // last logged ambiguous candidate set
	onDesignate func(operator, sessionID string)
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	ReplyRefs int // defaults to DefaultReplyRefs
	Logger    *log.Logger
}

// NewRouter creates a Router with no designations.
func NewRouter(opts RouterOpts) (*Router, error) {
	size := opts.ReplyRefs
	if size <= 0 {
		size = DefaultReplyRefs
	}
	refs, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("relay: reply refs: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		refs:       refs,
		logger:     logger,
		designated: make(map[string]string),
	}, nil
}

// OnDesignate registers fn to be called after every designation change.
func (r *Router) OnDesignate(fn func(operator, sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDesignate = fn
}

// Remember records that the platform message ref notified about sessionID.
func (r *Router) Remember(ref, sessionID string) {
	if ref == "" || sessionID == "" {
		return
	}
	r.refs.Add(ref, sessionID)
}

// Designate makes sessionID the target for operator's unaddressed messages.
// An empty sessionID clears the designation.
func (r *Router) Designate(operator, sessionID string) {
	r.mu.Lock()
	prev := r.designated[operator]
	if sessionID == "" {
		delete(r.designated, operator)
	} else {
		r.designated[operator] = sessionID
	}
	fn := r.onDesignate
	r.mu.Unlock()
	if prev != sessionID && fn != nil {
		fn(operator, sessionID)
	}
}

// SetActiveChat designates sessionID for the default operator slot.
func (r *Router) SetActiveChat(sessionID string) {
	r.Designate(DefaultOperator, sessionID)
	r.logger.Printf("relay: active chat set to %s", models.ShortID(sessionID))
}

// ActiveChat returns the default designation, or "".
func (r *Router) ActiveChat() string {
	return r.Designation(DefaultOperator)
}

// Designation returns the session designated for operator, or "".
func (r *Router) Designation(operator string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.designated[operator]
}

// Forget drops every designation of sessionID.
func (r *Router) Forget(sessionID string) {
	r.mu.Lock()
	for op, id := range r.designated {
		if id == sessionID {
			delete(r.designated, op)
		}
	}
	r.mu.Unlock()
}

// Resolve returns the session an inbound message is addressed to.
func (r *Router) Resolve(msg InboundMessage) (string, Resolution) {
	if msg.ReplyTo != "" {
		if id, ok := r.refs.Get(msg.ReplyTo); ok {
			return id, ResolvedByReply
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id := r.designated[msg.Operator()]; id != "" {
		return id, ResolvedByOperator
	}
	if id := r.designated[DefaultOperator]; id != "" {
		return id, ResolvedByDefault
	}
	return "", Unresolved
}

// RecentCandidates returns the live sessions whose last customer message is
// newer than now-window, most recent first.
func RecentCandidates(chats []models.Chat, now time.Time, window time.Duration) []string {
	type cand struct {
		id string
		at int64
	}
	floor := now.Add(-window).UnixMilli()
	var cs []cand
	for _, c := range chats {
		if !c.Info.Status.Live() {
			continue
		}
		var last int64
		for _, m := range c.Messages {
			if m.Sender == models.SenderCustomer && m.Timestamp > last {
				last = m.Timestamp
			}
		}
		if last > floor {
			cs = append(cs, cand{c.ID, last})
		}
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].at > cs[j].at })
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.id
	}
	return ids
}

// WatchRecent follows the session list and designates the default slot when
// exactly one live session had a customer message within window. With more
// than one candidate it logs the ambiguity and leaves the designation alone.
// Cache-only snapshots are ignored. The returned func stops watching.
func (r *Router) WatchRecent(ctx context.Context, repo *chat.Repository, clk clock.Clock, window time.Duration) func() {
	if clk == nil {
		clk = clock.Real{}
	}
	if window <= 0 {
		window = DefaultRecentWindow
	}
	return repo.WatchChats(ctx, func(chats []models.Chat, src chat.Source) {
		if src != chat.SourceStore {
			return
		}
		r.observe(RecentCandidates(chats, clk.Now(), window))
	})
}

func (r *Router) observe(candidates []string) {
	switch len(candidates) {
	case 0:
		return
	case 1:
		r.mu.Lock()
		r.ambiguous = ""
		same := r.designated[DefaultOperator] == candidates[0]
		r.mu.Unlock()
		if !same {
			r.Designate(DefaultOperator, candidates[0])
			r.logger.Printf("relay: active chat auto-set to %s", models.ShortID(candidates[0]))
		}
	default:
		short := make([]string, len(candidates))
		for i, id := range candidates {
			short[i] = models.ShortID(id)
		}
		key := strings.Join(short, ",")
		r.mu.Lock()
		seen := r.ambiguous == key
		r.ambiguous = key
		r.mu.Unlock()
		if !seen {
			r.logger.Printf("relay: %d recent chats (%s), not auto-designating; reply to a notification or use /use", len(candidates), key)
		}
	}
}
