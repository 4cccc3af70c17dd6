package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalid is returned when a record is missing envelope fields.
	ErrInvalid = errors.New("invalid record")

	// ErrMissingReference is returned when a required foreign key is empty.
	ErrMissingReference = errors.New("missing required reference")

	// ErrUnknownEntity is returned for an entity type outside the registry.
	ErrUnknownEntity = errors.New("unknown entity type")
)

// EntityType names one kind of synchronized record.
type EntityType string

const (
	User               EntityType = "user"
	Account            EntityType = "account"
	AccountTransaction EntityType = "account_transaction"
	Vehicle            EntityType = "vehicle"
	Template           EntityType = "template"
	Expense            EntityType = "expense"
	Sale               EntityType = "sale"
	Debt               EntityType = "debt"
	DebtPayment        EntityType = "debt_payment"
	Client             EntityType = "client"
)

// MergeOrder lists entity types parents first. Merge, bulk push and the
// reconciliation sweep all walk types in this order.
var MergeOrder = []EntityType{
	User,
	Account,
	Vehicle,
	Client,
	Template,
	Expense,
	Sale,
	Debt,
	DebtPayment,
	AccountTransaction,
}

type entityInfo struct {
	snapshotKey string
	upsertRPC   string
	deleteRPC   string
	newFn       func() Record
}

var registry = map[EntityType]entityInfo{
	User:               {"users", "sync_users", "delete_crm_dealer_users", func() Record { return &UserRecord{} }},
	Account:            {"accounts", "sync_accounts", "delete_crm_financial_accounts", func() Record { return &AccountRecord{} }},
	AccountTransaction: {"account_transactions", "sync_account_transactions", "delete_crm_account_transactions", func() Record { return &AccountTransactionRecord{} }},
	Vehicle:            {"vehicles", "sync_vehicles", "delete_crm_vehicles", func() Record { return &VehicleRecord{} }},
	Template:           {"templates", "sync_templates", "delete_crm_expense_templates", func() Record { return &TemplateRecord{} }},
	Expense:            {"expenses", "sync_expenses", "delete_crm_expenses", func() Record { return &ExpenseRecord{} }},
	Sale:               {"sales", "sync_sales", "delete_crm_sales", func() Record { return &SaleRecord{} }},
	Debt:               {"debts", "sync_debts", "delete_crm_debts", func() Record { return &DebtRecord{} }},
	DebtPayment:        {"debt_payments", "sync_debt_payments", "delete_crm_debt_payments", func() Record { return &DebtPaymentRecord{} }},
	Client:             {"clients", "sync_clients", "delete_crm_dealer_clients", func() Record { return &ClientRecord{} }},
}

// ParseEntityType accepts either the entity name or its snapshot key.
func ParseEntityType(s string) (EntityType, error) {
	if _, ok := registry[EntityType(s)]; ok {
		return EntityType(s), nil
	}
	for kind, info := range registry {
		if info.snapshotKey == s {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntity, s)
}

// Valid reports whether e is a registered entity type.
func (e EntityType) Valid() bool {
	_, ok := registry[e]
	return ok
}

// SnapshotKey is the JSON key used for this type in a change snapshot.
func (e EntityType) SnapshotKey() string { return registry[e].snapshotKey }

// UpsertRPC is the remote procedure that upserts a batch of this type.
func (e EntityType) UpsertRPC() string { return registry[e].upsertRPC }

// DeleteRPC is the remote procedure that deletes one record of this type.
func (e EntityType) DeleteRPC() string { return registry[e].deleteRPC }

// Envelope is the part shared by every record.
type Envelope struct {
	ID        string     `json:"id"`
	DealerID  string     `json:"dealer_id"`
	CreatedAt time.Time  `json:"created_at,omitzero"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Meta returns the envelope itself so embedding types satisfy Record.
func (e *Envelope) Meta() *Envelope { return e }

// IsTombstone reports whether the record is marked deleted remotely.
func (e *Envelope) IsTombstone() bool { return e.DeletedAt != nil }

// LastModified returns UpdatedAt, falling back to CreatedAt when unset.
func (e *Envelope) LastModified() time.Time {
	if e.UpdatedAt.IsZero() {
		return e.CreatedAt
	}
	return e.UpdatedAt
}

// Record is implemented by every entity type.
type Record interface {
	Meta() *Envelope
	Kind() EntityType
	// NaturalKey returns the normalized domain key, or "" when the type has
	// none or the field is blank.
	NaturalKey() string
	// Refs returns the record's foreign keys. Ref.ID points into the record,
	// so assigning through it rewrites the reference in place.
	Refs() []Ref
}

// Ref describes one foreign key on a record.
type Ref struct {
	Field    string
	Target   EntityType
	Required bool
	ID       *string
}

// New returns an empty record of the given type.
func New(kind EntityType) (Record, error) {
	info, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, kind)
	}
	return info.newFn(), nil
}

// Decode parses a wire-shape record of the given type. It does not validate.
func Decode(kind EntityType, data []byte) (Record, error) {
	rec, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return rec, nil
}

// Encode validates rec and returns its wire shape.
func Encode(rec Record) ([]byte, error) {
	if err := Validate(rec); err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", rec.Kind(), rec.Meta().ID, err)
	}
	return data, nil
}

// Validate checks the envelope and every required foreign key.
func Validate(rec Record) error {
	meta := rec.Meta()
	if meta.ID == "" {
		return fmt.Errorf("%w: %s id is required", ErrInvalid, rec.Kind())
	}
	if meta.DealerID == "" {
		return fmt.Errorf("%w: %s %s dealer_id is required", ErrInvalid, rec.Kind(), meta.ID)
	}
	for _, ref := range rec.Refs() {
		if ref.Required && *ref.ID == "" {
			return fmt.Errorf("%w: %s %s has no %s", ErrMissingReference, rec.Kind(), meta.ID, ref.Field)
		}
	}
	return nil
}

// Clone returns a deep copy of rec.
func Clone(rec Record) Record {
	data, err := json.Marshal(rec)
	if err != nil {
		panic(fmt.Sprintf("record: clone %s: %v", rec.Kind(), err))
	}
	out, err := Decode(rec.Kind(), data)
	if err != nil {
		panic(fmt.Sprintf("record: clone %s: %v", rec.Kind(), err))
	}
	return out
}

// Touch refreshes UpdatedAt, setting CreatedAt too if it was never set.
// Every local mutation, soft delete included, must go through it.
func Touch(rec Record, now time.Time) {
	meta := rec.Meta()
	now = now.UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
}
