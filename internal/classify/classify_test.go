package classify

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/quotewatch/quotewatch/internal/mailgw"
)

var testOpts = Options{TopicToken: "RFQ", MinReplyChars: 80}

func supplierReply() *mailgw.Message {
	return &mailgw.Message{
		ID:        "m1",
		Subject:   "RE: RFQ for MAT-1001",
		From:      "sales@supplier.example.com",
		Snippet:   "Please find attached our quotation for the requested material.",
		BodyChars: 200,
	}
}

func TestClassifyTable(t *testing.T) {
	tests := []struct {
		name string
		msg  *mailgw.Message
		want Result
	}{
		{
			name: "genuine reply",
			msg:  supplierReply(),
			want: Result{IsReply: true, Rule: "accept"},
		},
		{
			name: "off-topic subject rejected",
			msg: &mailgw.Message{
				Subject:   "Newsletter June",
				From:      "news@vendor.example.com",
				BodyChars: 500,
			},
			want: Result{Rule: "topic-gate"},
		},
		{
			name: "mailer-daemon sender",
			msg: &mailgw.Message{
				Subject:   "RFQ for MAT-1001",
				From:      "MAILER-DAEMON@mail.example.com",
				Snippet:   "message rejected",
				BodyChars: 300,
			},
			want: Result{IsBounce: true, Rule: "bounce-sender"},
		},
		{
			name: "postmaster sender",
			msg: &mailgw.Message{
				Subject:   "RFQ delivery issue",
				From:      "postmaster@corp.example.com",
				BodyChars: 300,
			},
			want: Result{IsBounce: true, Rule: "bounce-sender"},
		},
		{
			name: "failure subject",
			msg: &mailgw.Message{
				Subject:   "Delivery failure: RFQ for MAT-1002",
				From:      "smtp@relay.example.com",
				BodyChars: 300,
			},
			want: Result{IsBounce: true, Rule: "bounce-subject"},
		},
		{
			name: "undeliverable subject",
			msg: &mailgw.Message{
				Subject:   "Undeliverable: RFQ for MAT-1002",
				From:      "exchange@corp.example.com",
				BodyChars: 300,
			},
			want: Result{IsBounce: true, Rule: "bounce-subject"},
		},
		{
			name: "bounce body with clean subject and sender",
			msg: &mailgw.Message{
				Subject:   "RFQ for MAT-1003",
				From:      "relay@isp.example.com",
				Snippet:   "This is the Mail Delivery Subsystem. Your message could not be delivered.",
				BodyChars: 400,
			},
			want: Result{IsBounce: true, Rule: "bounce-body"},
		},
		{
			name: "auto-ack too short",
			msg: &mailgw.Message{
				Subject:   "RE: RFQ for MAT-1001",
				From:      "sales@supplier.example.com",
				Snippet:   "Thanks, received.",
				BodyChars: 17,
			},
			want: Result{Rule: "min-length"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.msg, testOpts)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassifyIdempotent(t *testing.T) {
	msg := supplierReply()
	first := Classify(msg, testOpts)
	second := Classify(msg, testOpts)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Classify() not idempotent (-first +second):\n%s", diff)
	}
}

func TestClassifyCaseInsensitiveToken(t *testing.T) {
	msg := supplierReply()
	msg.Subject = "re: rfq for mat-1001"
	got := Classify(msg, testOpts)
	if !got.IsReply {
		t.Errorf("Classify() with lowercase token = %+v, want reply", got)
	}
}

func TestRuleNamesOrder(t *testing.T) {
	want := []string{"topic-gate", "bounce-sender", "bounce-subject", "bounce-body", "min-length", "accept"}
	if diff := cmp.Diff(want, RuleNames()); diff != "" {
		t.Errorf("RuleNames() mismatch (-want +got):\n%s", diff)
	}
}
