package model

import "time"

type ActorType string

const (
	ActorUser           ActorType = "user"
	ActorSystem         ActorType = "system"
	ActorRecipient      ActorType = "recipient"
	ActorTrustedContact ActorType = "trusted_contact"
)

// Action is an audit action name. The set is closed; see KnownActions.
type Action string

const (
	ActionLoginRequested                   Action = "login_requested"
	ActionLoginSuccess                     Action = "login_success"
	ActionRecipientInvited                 Action = "recipient_invited"
	ActionRecipientAccepted                Action = "recipient_accepted"
	ActionMessageCreated                   Action = "message_created"
	ActionCheckinConfirmed                 Action = "checkin_confirmed"
	ActionCheckinPaused                    Action = "checkin_paused"
	ActionCheckinResumed                   Action = "checkin_resumed"
	ActionCheckinResumedForMessages        Action = "checkin_resumed_for_messages"
	ActionCheckinReminderSent              Action = "checkin_reminder_sent"
	ActionGraceWarningSent                 Action = "grace_warning_sent"
	ActionCooldownWarningSent              Action = "cooldown_warning_sent"
	ActionStateToGrace                     Action = "state_to_grace"
	ActionStateToCooldown                  Action = "state_to_cooldown"
	ActionStateToDelivered                 Action = "state_to_delivered"
	ActionDeliveryNoticeSent               Action = "delivery_notice_sent"
	ActionDeliveryBlockedByTrustedContact  Action = "delivery_blocked_by_trusted_contact"
	ActionPanicRevokeUsed                  Action = "panic_revoke_used"
	ActionEmergencyStop                    Action = "emergency_stop"
	ActionRecoveryCodeRotated              Action = "recovery_code_rotated"
	ActionTrustedContactPingSent           Action = "trusted_contact_ping_sent"
	ActionTrustedContactPingNoticeSent     Action = "trusted_contact_ping_notice_sent"
	ActionTrustedContactConfirmed          Action = "trusted_contact_confirmed"
	ActionTrustedContactConfirmationNotice Action = "trusted_contact_confirmation_notice_sent"
	ActionTrustedContactTokenInvalid       Action = "trusted_contact_token_invalid"
	ActionMagicLinkSent                    Action = "magic_link_sent"
	ActionRecipientInviteSent              Action = "recipient_invite_sent"
	ActionRecipientDeliverySent            Action = "recipient_delivery_sent"
	ActionDeliveryLinkOpened               Action = "delivery_link_opened"
	ActionCheckinTokenInvalid              Action = "checkin_token_invalid"
	ActionDeliveryTokenInvalid             Action = "delivery_token_invalid"
	ActionInviteTokenInvalid               Action = "invite_token_invalid"
)

var knownActions = map[Action]struct{}{
	ActionLoginRequested: {}, ActionLoginSuccess: {}, ActionRecipientInvited: {},
	ActionRecipientAccepted: {}, ActionMessageCreated: {}, ActionCheckinConfirmed: {},
	ActionCheckinPaused: {}, ActionCheckinResumed: {}, ActionCheckinResumedForMessages: {},
	ActionCheckinReminderSent: {}, ActionGraceWarningSent: {}, ActionCooldownWarningSent: {},
	ActionStateToGrace: {}, ActionStateToCooldown: {}, ActionStateToDelivered: {},
	ActionDeliveryNoticeSent: {}, ActionDeliveryBlockedByTrustedContact: {},
	ActionPanicRevokeUsed: {}, ActionEmergencyStop: {}, ActionRecoveryCodeRotated: {},
	ActionTrustedContactPingSent: {}, ActionTrustedContactPingNoticeSent: {},
	ActionTrustedContactConfirmed: {}, ActionTrustedContactConfirmationNotice: {},
	ActionTrustedContactTokenInvalid: {}, ActionMagicLinkSent: {},
	ActionRecipientInviteSent: {}, ActionRecipientDeliverySent: {},
	ActionDeliveryLinkOpened: {}, ActionCheckinTokenInvalid: {},
	ActionDeliveryTokenInvalid: {}, ActionInviteTokenInvalid: {},
}

// Known reports whether a is part of the audit vocabulary.
func (a Action) Known() bool {
	_, ok := knownActions[a]
	return ok
}

// Known reports whether t is a valid actor type.
func (t ActorType) Known() bool {
	switch t {
	case ActorUser, ActorSystem, ActorRecipient, ActorTrustedContact:
		return true
	}
	return false
}

type AuditEvent struct {
	ID        string         `json:"id"`
	Action    Action         `json:"action"`
	ActorType ActorType      `json:"actor_type"`
	UserID    *int64         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
