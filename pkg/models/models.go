package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/retailpoint/storesync/pkg/syncerr"
)

// Action is the kind of a queued write.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the recognized actions.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Record is one row of a mirrored remote table held in the local cache.
type Record struct {
	Table  string
	Key    string
	Fields map[string]any
}

// PendingOperation is one entry of the durable write queue. Operations for
// the same table replay strictly in id order.
type PendingOperation struct {
	ID         int64
	Table      string
	Action     Action
	Payload    map[string]any
	ScopeID    string
	EnqueuedAt time.Time
}

// Session is the last-known authenticated identity, kept so a device can
// log in while offline. Verifier is a bcrypt hash, never a plaintext password.
type Session struct {
	Email     string
	StoreID   string
	Role      string
	Verifier  string
	Grants    []string
	UserID    string
	OwnerID   string
	UpdatedAt time.Time
}

// CacheEntry is one cached response of the network edge: at most one per
// (method, url) within a generation.
type CacheEntry struct {
	Method     string
	URL        string
	Generation string
	Status     int
	Header     map[string]string
	Body       []byte
	FetchedAt  time.Time
}

// OutboxEntry is one durably retried mutating request of the network edge.
// Entries older than the retention window are abandoned, never silently
// dropped.
type OutboxEntry struct {
	ID           int64
	Method       string
	URL          string
	ContentType  string
	Body         []byte
	FirstTriedAt time.Time
	LastError    string
}

// tempKeyPrefix marks client-synthesized keys. Server-assigned keys never
// carry it.
const tempKeyPrefix = "tmp-"

// NewTempKey synthesizes a placeholder primary key for a record inserted
// while offline. The key is replaced by the server-assigned one on replay.
func NewTempKey() string {
	return tempKeyPrefix + uuid.NewString()
}

// IsTempKey reports whether key is a client-synthesized placeholder.
func IsTempKey(key string) bool {
	return strings.HasPrefix(key, tempKeyPrefix)
}

// KeyString renders a primary-key value taken from a dynamic payload.
// Remote responses carry numeric ids as float64 after JSON decoding.
func KeyString(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64)
	case int:
		return strconv.Itoa(k)
	case int64:
		return strconv.FormatInt(k, 10)
	case json.Number:
		return k.String()
	default:
		return fmt.Sprintf("%v", k)
	}
}

// NormalizeGrants folds the feature-grant snapshot into a lower-cased,
// trimmed list. The remote stores it either as a JSON array or as a
// comma-separated string.
func NormalizeGrants(v any) []string {
	var raw []string
	switch g := v.(type) {
	case nil:
		return nil
	case []string:
		raw = g
	case []any:
		for _, item := range g {
			raw = append(raw, fmt.Sprintf("%v", item))
		}
	case string:
		s := strings.TrimSpace(g)
		if s == "" {
			return nil
		}
		if strings.HasPrefix(s, "[") {
			var list []string
			if err := json.Unmarshal([]byte(s), &list); err == nil {
				raw = list
				break
			}
		}
		raw = strings.Split(s, ",")
	default:
		return nil
	}

	grants := make([]string, 0, len(raw))
	for _, g := range raw {
		g = strings.ToLower(strings.TrimSpace(g))
		if g != "" {
			grants = append(grants, g)
		}
	}
	return grants
}

// FieldType is the semantic type of a table column.
type FieldType int

const (
	FieldString FieldType = iota
	FieldNumber
	FieldTimestamp
	FieldBool
	// FieldRef is a nullable foreign key to another table's primary key.
	FieldRef
)

// Schema describes one mirrored table: its columns, the subset that must be
// present and non-empty on every write, and the column rows are scoped by.
type Schema struct {
	Table      string
	ScopeField string
	Fields     map[string]FieldType
	Required   []string
}

// Validate checks payload against the schema's required subset and returns a
// ValidationError naming the first missing or empty field.
func (s Schema) Validate(payload map[string]any) error {
	for _, field := range s.Required {
		v, ok := payload[field]
		if !ok || v == nil {
			return &syncerr.ValidationError{Table: s.Table, Field: field}
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" {
			return &syncerr.ValidationError{Table: s.Table, Field: field}
		}
	}
	return nil
}

// Tables is the registry of mirrored remote tables. The local cache keeps
// one durable table per entry.
var Tables = map[string]Schema{
	"stores": {
		Table: "stores",
		Fields: map[string]FieldType{
			"id": FieldString, "shop_name": FieldString, "email_address": FieldString,
			"allowed_features": FieldString, "allowed_dashboard": FieldString,
		},
		Required: []string{"shop_name"},
	},
	"store_users": {
		Table: "store_users", ScopeField: "store_id",
		Fields: map[string]FieldType{
			"id": FieldString, "store_id": FieldRef, "email_address": FieldString,
			"role": FieldString,
		},
		Required: []string{"email_address", "store_id"},
	},
	"customers": {
		Table: "customers", ScopeField: "store_id",
		Fields: map[string]FieldType{
			"id": FieldString, "store_id": FieldRef, "fullname": FieldString,
			"phone_number": FieldString, "address": FieldString,
		},
		Required: []string{"fullname", "store_id"},
	},
	"products": {
		Table: "products", ScopeField: "store_id",
		Fields: map[string]FieldType{
			"id": FieldString, "store_id": FieldRef, "name": FieldString,
			"purchase_price": FieldNumber, "selling_price": FieldNumber,
			"created_at": FieldTimestamp, "device_id": FieldString,
		},
		Required: []string{"name", "store_id"},
	},
	"inventory": {
		Table: "inventory", ScopeField: "store_id",
		Fields: map[string]FieldType{
			"id": FieldString, "store_id": FieldRef, "product_id": FieldRef,
			"available_qty": FieldNumber, "quantity_sold": FieldNumber,
		},
		Required: []string{"product_id", "store_id"},
	},
	"sales": {
		Table: "sales", ScopeField: "store_id",
		Fields: map[string]FieldType{
			"id": FieldString, "store_id": FieldRef, "product_id": FieldRef,
			"sale_group_id": FieldRef, "quantity": FieldNumber, "amount": FieldNumber,
			"payment_method": FieldString, "sold_at": FieldTimestamp,
			"created_by_user_id": FieldRef, "device_id": FieldString,
		},
		Required: []string{"product_id", "amount", "store_id"},
	},
	"sale_groups": {
		Table: "sale_groups", ScopeField: "store_id",
		Fields: map[string]FieldType{
			"id": FieldString, "store_id": FieldRef, "total_amount": FieldNumber,
			"created_at": FieldTimestamp,
		},
		Required: []string{"store_id"},
	},
	"receipts": {
		Table: "receipts", ScopeField: "store_id",
		Fields: map[string]FieldType{
			"id": FieldString, "store_id": FieldRef, "product_id": FieldRef,
			"sale_group_id": FieldRef, "customer_name": FieldString,
			"amount": FieldNumber, "issued_at": FieldTimestamp,
		},
		Required: []string{"store_id"},
	},
	"debts": {
		Table: "debts", ScopeField: "store_id",
		Fields: map[string]FieldType{
			"id": FieldString, "store_id": FieldRef, "customer_id": FieldRef,
			"product_id": FieldRef, "amount_owed": FieldNumber,
			"created_by_user_id": FieldRef, "owner_id": FieldRef, "device_id": FieldString,
		},
		Required: []string{"customer_id", "amount_owed", "store_id"},
	},
	"debt_payments": {
		Table: "debt_payments", ScopeField: "store_id",
		Fields: map[string]FieldType{
			"id": FieldString, "store_id": FieldRef, "debt_id": FieldRef,
			"customer_id": FieldRef, "amount_paid": FieldNumber, "paid_at": FieldTimestamp,
		},
		Required: []string{"debt_id", "amount_paid", "store_id"},
	},
	"returns": {
		Table: "returns", ScopeField: "store_id",
		Fields: map[string]FieldType{
			"id": FieldString, "store_id": FieldRef, "receipt_id": FieldRef,
			"customer_name": FieldString, "product_name": FieldString,
			"qty": FieldNumber, "amount": FieldNumber, "supplier": FieldString,
			"remark": FieldString, "status": FieldString, "returned_date": FieldTimestamp,
		},
		Required: []string{"product_name", "store_id"},
	},
	"notifications": {
		Table: "notifications", ScopeField: "store_id",
		Fields: map[string]FieldType{
			"id": FieldString, "store_id": FieldRef, "message": FieldString,
			"performed_by_id": FieldRef, "created_at": FieldTimestamp,
		},
		Required: []string{"message", "store_id"},
	},
}

// SchemaFor looks up the schema of a mirrored table.
func SchemaFor(table string) (Schema, error) {
	s, ok := Tables[table]
	if !ok {
		return Schema{}, fmt.Errorf("unknown table %q", table)
	}
	return s, nil
}

// TableNames returns the registry keys sorted, for deterministic snapshots.
func TableNames() []string {
	names := make([]string, 0, len(Tables))
	for name := range Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
