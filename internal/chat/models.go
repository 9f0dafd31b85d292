package chat

import (
	"time"

	"gorm.io/datatypes"
)

type Role string

const (
	RoleGuest    Role = "GUEST"
	RoleVendor   Role = "VENDOR"
	RoleBusiness Role = "BUSINESS"
)

func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleVendor, RoleBusiness:
		return true
	}
	return false
}

type ConversationState string

const (
	StateInitialRequest         ConversationState = "INITIAL_REQUEST"
	StateGatheringDetails       ConversationState = "GATHERING_DETAILS"
	StateFindingVendor          ConversationState = "FINDING_VENDOR"
	StateAwaitingVendorResponse ConversationState = "AWAITING_VENDOR_RESPONSE"
	StateSchedulingService      ConversationState = "SCHEDULING_SERVICE"
	StateServiceConfirmed       ConversationState = "SERVICE_CONFIRMED"
	StateServiceInProgress      ConversationState = "SERVICE_IN_PROGRESS"
	StateServiceCompleted       ConversationState = "SERVICE_COMPLETED"
	StateFollowUpNeeded         ConversationState = "FOLLOW_UP_NEEDED"
	StateResolved               ConversationState = "RESOLVED"
	StateOther                  ConversationState = "OTHER"
)

var ConversationStates = []ConversationState{
	StateInitialRequest,
	StateGatheringDetails,
	StateFindingVendor,
	StateAwaitingVendorResponse,
	StateSchedulingService,
	StateServiceConfirmed,
	StateServiceInProgress,
	StateServiceCompleted,
	StateFollowUpNeeded,
	StateResolved,
	StateOther,
}

type NextParty string

const (
	NextGuest  NextParty = "GUEST"
	NextVendor NextParty = "VENDOR"
	NextBoth   NextParty = "BOTH"
	NextNone   NextParty = "NONE"
)

var NextParties = []NextParty{NextGuest, NextVendor, NextBoth, NextNone}

type Intent string

const (
	IntentMaintenanceRequest      Intent = "MAINTENANCE_REQUEST"
	IntentServiceRequest          Intent = "SERVICE_REQUEST"
	IntentSpecialRequest          Intent = "SPECIAL_REQUEST"
	IntentEmergencyRequest        Intent = "EMERGENCY_REQUEST"
	IntentGeneralQuestion         Intent = "GENERAL_QUESTION"
	IntentInformationRequest      Intent = "INFORMATION_REQUEST"
	IntentVendorAvailability      Intent = "VENDOR_AVAILABILITY"
	IntentVendorUpdate            Intent = "VENDOR_UPDATE"
	IntentVendorCompletion        Intent = "VENDOR_COMPLETION"
	IntentAppointmentConfirmation Intent = "APPOINTMENT_CONFIRMATION"
	IntentAppointmentReschedule   Intent = "APPOINTMENT_RESCHEDULE"
	IntentAppointmentCancellation Intent = "APPOINTMENT_CANCELLATION"
	IntentGreeting                Intent = "GREETING"
	IntentAcknowledgment          Intent = "ACKNOWLEDGMENT"
	IntentThankYou                Intent = "THANK_YOU"
	IntentOther                   Intent = "OTHER"

	// Set on automated relays, never produced by the classifier.
	IntentVendorNotification  Intent = "VENDOR_NOTIFICATION"
	IntentGuestNotification   Intent = "GUEST_NOTIFICATION"
	IntentGeneralNotification Intent = "GENERAL_NOTIFICATION"
)

var ClassifierIntents = []Intent{
	IntentMaintenanceRequest,
	IntentServiceRequest,
	IntentSpecialRequest,
	IntentEmergencyRequest,
	IntentGeneralQuestion,
	IntentInformationRequest,
	IntentVendorAvailability,
	IntentVendorUpdate,
	IntentVendorCompletion,
	IntentAppointmentConfirmation,
	IntentAppointmentReschedule,
	IntentAppointmentCancellation,
	IntentGreeting,
	IntentAcknowledgment,
	IntentThankYou,
	IntentOther,
}

type Action string

const (
	ActionReplyOnly             Action = "REPLY_ONLY"
	ActionNotifyOtherParty      Action = "NOTIFY_OTHER_PARTY"
	ActionConfirmWithBoth       Action = "CONFIRM_WITH_BOTH"
	ActionWaitForResponse       Action = "WAIT_FOR_RESPONSE"
	ActionEmergencyNotification Action = "EMERGENCY_NOTIFICATION"
)

var Actions = []Action{
	ActionReplyOnly,
	ActionNotifyOtherParty,
	ActionConfirmWithBoth,
	ActionWaitForResponse,
	ActionEmergencyNotification,
}

type User struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string    `gorm:"type:varchar(128);not null" json:"name"`
	Role       Role      `gorm:"type:varchar(16);index;not null" json:"role"`
	VendorRole *string   `gorm:"type:varchar(64)" json:"vendorRole,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Conversation struct {
	ID                uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	UnitID            string            `gorm:"type:varchar(64);index;not null" json:"unitId"`
	ConversationState ConversationState `gorm:"type:varchar(32);not null;default:INITIAL_REQUEST" json:"conversationState"`

	// Set only on Business<->Vendor conversations; at most one per unit and vendor.
	VendorUnitKey *string `gorm:"type:varchar(128);uniqueIndex" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Participant struct {
	ConversationID uint64    `gorm:"primaryKey;autoIncrement:false" json:"conversationId"`
	UserID         uint64    `gorm:"primaryKey;autoIncrement:false;index" json:"userId"`
	User           *User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Message struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64  `gorm:"index:idx_msg_conversation_id,priority:1;not null" json:"conversationId"`
	SenderID       *uint64 `gorm:"index" json:"senderId"`
	Sender         *User   `gorm:"foreignKey:SenderID" json:"sender"`
	Body           string  `gorm:"type:text;not null" json:"body"`

	Intent            *Intent            `gorm:"type:varchar(32)" json:"intent"`
	ConversationState *ConversationState `gorm:"type:varchar(32)" json:"conversationState"`
	NextParty         *NextParty         `gorm:"type:varchar(16)" json:"nextParty"`
	NextStep          *string            `gorm:"type:text" json:"nextStep"`
	Responses         datatypes.JSON     `json:"responses,omitempty"`
	IsAutomated       bool               `gorm:"not null;default:false" json:"isAutomated"`

	CreatedAt time.Time `gorm:"index:idx_msg_conversation_id,priority:2" json:"createdAt"`
}

// Classification is the metadata attached to a message after it was broadcast.
type Classification struct {
	Intent            Intent
	ConversationState ConversationState
	NextParty         NextParty
	NextStep          string
	Responses         []BusinessResponse
}

type BusinessResponse struct {
	TargetRole        Role   `json:"targetRole"`
	Reply             string `json:"reply"`
	IsImmediate       bool   `json:"isImmediate"`
	NeedsConfirmation bool   `json:"needsConfirmation"`
}

// Models lists every table the service migrates.
func Models() []any {
	return []any{&User{}, &Conversation{}, &Participant{}, &Message{}, &RoutingJob{}}
}
