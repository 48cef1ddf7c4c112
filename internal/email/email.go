// Package email sends LastSignal notices. Each notice is a Kind plus a few
// string parameters; the package owns subjects, bodies, and link building.
package email

import (
	"context"
	"fmt"
	"html"
	"strings"
)

type Kind string

const (
	KindReminder                         Kind = "reminder"
	KindGraceWarning                     Kind = "grace_warning"
	KindCooldownWarning                  Kind = "cooldown_warning"
	KindDeliveryNotice                   Kind = "delivery_notice"
	KindTrustedContactPing               Kind = "trusted_contact_ping"
	KindTrustedContactPingNotice         Kind = "trusted_contact_ping_notice"
	KindTrustedContactConfirmationNotice Kind = "trusted_contact_confirmation_notice"
	KindMagicLink                        Kind = "magic_link"
	KindRecipientInvite                  Kind = "recipient_invite"
	KindRecipientDelivery                Kind = "recipient_delivery"
	KindEmergencyStopNotice              Kind = "emergency_stop_notice"
)

// Parameter names understood by the renderer.
const (
	ParamToken      = "token"
	ParamName       = "name"
	ParamUserEmail  = "user_email"
	ParamAttempt    = "attempt"
	ParamTotal      = "total"
	ParamDeadline   = "deadline"
	ParamRecipients = "recipients"
	ParamContact    = "contact"
	ParamPausedTill = "paused_until"
	ParamCount      = "count"
)

type Message struct {
	Kind   Kind
	To     string
	Params map[string]string
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

type rendered struct {
	Subject  string
	TextBody string
	HtmlBody string
}

// linkPaths maps kinds that carry a token to the page that redeems it.
var linkPaths = map[Kind]string{
	KindReminder:           "/checkin/",
	KindGraceWarning:       "/checkin/",
	KindCooldownWarning:    "/panic/",
	KindTrustedContactPing: "/trusted-contact/",
	KindMagicLink:          "/auth/verify/",
	KindRecipientInvite:    "/invite/",
	KindRecipientDelivery:  "/deliver/",
}

func render(m Message, appName, baseURL string) (rendered, error) {
	p := func(k string) string { return m.Params[k] }

	var link string
	if path, ok := linkPaths[m.Kind]; ok {
		if p(ParamToken) == "" {
			return rendered{}, fmt.Errorf("%s message without token", m.Kind)
		}
		link = strings.TrimRight(baseURL, "/") + path + p(ParamToken)
	}

	var subject string
	var lines []string
	switch m.Kind {
	case KindReminder:
		subject = fmt.Sprintf("%s: time to check in", appName)
		lines = []string{"Your check-in is due. Confirm you're okay:", link}
	case KindGraceWarning:
		subject = fmt.Sprintf("%s: missed check-in (%s of %s)", appName, p(ParamAttempt), p(ParamTotal))
		lines = []string{"You have missed a check-in. Confirm you're okay before further reminders run out:", link}
	case KindCooldownWarning:
		subject = fmt.Sprintf("%s: final warning before delivery", appName)
		lines = []string{
			fmt.Sprintf("Your messages will be delivered after %s unless you act.", p(ParamDeadline)),
			"If you are okay, stop delivery here:", link,
		}
	case KindDeliveryNotice:
		subject = fmt.Sprintf("%s: your messages have been delivered", appName)
		lines = []string{"Your messages were released to: " + p(ParamRecipients)}
	case KindTrustedContactPing:
		subject = fmt.Sprintf("%s: please check on %s", appName, p(ParamUserEmail))
		lines = []string{
			fmt.Sprintf("%s has not checked in. If you know they are okay, confirm here to pause delivery:", p(ParamUserEmail)),
			link,
		}
	case KindTrustedContactPingNotice:
		subject = fmt.Sprintf("%s: we contacted your trusted contact", appName)
		lines = []string{fmt.Sprintf("We asked %s to confirm you are okay.", p(ParamContact))}
	case KindTrustedContactConfirmationNotice:
		subject = fmt.Sprintf("%s: your trusted contact paused delivery", appName)
		lines = []string{fmt.Sprintf("%s confirmed you are okay. Delivery is paused until %s.", p(ParamContact), p(ParamPausedTill))}
	case KindMagicLink:
		subject = fmt.Sprintf("Sign in to %s", appName)
		lines = []string{"Click the link below to sign in:", link, "This link expires in 15 minutes."}
	case KindRecipientInvite:
		subject = fmt.Sprintf("%s: %s added you as a recipient", appName, p(ParamUserEmail))
		lines = []string{"Accept the invitation and set up your key:", link}
	case KindRecipientDelivery:
		subject = fmt.Sprintf("%s: messages from %s", appName, p(ParamUserEmail))
		lines = []string{fmt.Sprintf("%s left %s message(s) for you:", p(ParamUserEmail), p(ParamCount)), link}
	case KindEmergencyStopNotice:
		subject = fmt.Sprintf("%s: emergency stop used", appName)
		lines = []string{"Your recovery code was used to stop check-ins. A new recovery code was issued."}
	default:
		return rendered{}, fmt.Errorf("unknown email kind %q", m.Kind)
	}

	var b strings.Builder
	for _, l := range lines {
		l = html.EscapeString(l)
		if link != "" && l == html.EscapeString(link) {
			fmt.Fprintf(&b, `<p><a href="%s">%s</a></p>`, l, l)
			continue
		}
		fmt.Fprintf(&b, "<p>%s</p>", l)
	}
	return rendered{
		Subject:  subject,
		TextBody: strings.Join(lines, "\n\n"),
		HtmlBody: b.String(),
	}, nil
}
