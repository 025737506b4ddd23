// Package classify decides whether a candidate message is a genuine supplier
// reply or a delivery-failure notice.
//
// Classification is a pure function over the message and options, so rules
// are independently unit-testable against fixture messages. Rules are held
// in an ordered table; the first rule that reaches a verdict wins.
package classify

import (
	"strings"

	"github.com/quotewatch/quotewatch/internal/mailgw"
)

// Options configures classification for a batch.
type Options struct {
	// TopicToken must appear in the subject for the message to belong to
	// the batch at all (e.g. "RFQ").
	TopicToken string

	// MinReplyChars is the minimum body length for a substantive reply.
	// Shorter bodies are treated as bounce stubs or auto-acks.
	MinReplyChars int
}

// Result is the classification verdict for a candidate message.
type Result struct {
	IsReply  bool
	IsBounce bool
	Rule     string // name of the rule that decided
}

// bounceSenders match automated failure notification senders.
var bounceSenders = []string{
	"postmaster@",
	"mailer-daemon@",
	"mailer-daemon",
	"noreply-delivery",
}

// bounceSubjects are subject phrases used by delivery-failure notices.
var bounceSubjects = []string{
	"undeliverable",
	"delivery failure",
	"delivery has failed",
	"delivery status notification",
	"returned mail",
	"failure notice",
}

// bounceBodies are body signatures of delivery-failure notices. They decide
// regardless of subject or sender because some providers bounce with the
// original subject intact.
var bounceBodies = []string{
	"mail delivery subsystem",
	"delivery status notification",
	"could not be delivered",
	"wasn't delivered",
	"permanent error",
	"address not found",
	"recipient server did not accept",
}

// rule is one entry in the ordered classification table. It returns a
// verdict and true when it decides, or false to pass to the next rule.
type rule struct {
	name  string
	apply func(msg *mailgw.Message, opts Options) (Result, bool)
}

// rules is the ordered classification table. Order matters: the topic gate
// runs first, bounce detection before length filtering.
var rules = []rule{
	{
		name: "topic-gate",
		apply: func(msg *mailgw.Message, opts Options) (Result, bool) {
			if !containsFold(msg.Subject, opts.TopicToken) {
				return Result{Rule: "topic-gate"}, true
			}
			return Result{}, false
		},
	},
	{
		name: "bounce-sender",
		apply: func(msg *mailgw.Message, opts Options) (Result, bool) {
			for _, s := range bounceSenders {
				if containsFold(msg.From, s) {
					return Result{IsBounce: true, Rule: "bounce-sender"}, true
				}
			}
			return Result{}, false
		},
	},
	{
		name: "bounce-subject",
		apply: func(msg *mailgw.Message, opts Options) (Result, bool) {
			for _, s := range bounceSubjects {
				if containsFold(msg.Subject, s) {
					return Result{IsBounce: true, Rule: "bounce-subject"}, true
				}
			}
			return Result{}, false
		},
	},
	{
		name: "bounce-body",
		apply: func(msg *mailgw.Message, opts Options) (Result, bool) {
			for _, s := range bounceBodies {
				if containsFold(msg.Snippet, s) {
					return Result{IsBounce: true, Rule: "bounce-body"}, true
				}
			}
			return Result{}, false
		},
	},
	{
		name: "min-length",
		apply: func(msg *mailgw.Message, opts Options) (Result, bool) {
			if msg.BodyChars < opts.MinReplyChars {
				return Result{Rule: "min-length"}, true
			}
			return Result{}, false
		},
	},
}

// Classify runs the candidate message through the rule table.
// It is idempotent: the same message and options always yield the same result.
func Classify(msg *mailgw.Message, opts Options) Result {
	for _, r := range rules {
		if res, decided := r.apply(msg, opts); decided {
			return res
		}
	}
	return Result{IsReply: true, Rule: "accept"}
}

// RuleNames returns the names of the classification rules in evaluation
// order, for diagnostics.
func RuleNames() []string {
	names := make([]string, 0, len(rules)+1)
	for _, r := range rules {
		names = append(names, r.name)
	}
	return append(names, "accept")
}

// containsFold reports whether s contains substr, case-insensitively.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
