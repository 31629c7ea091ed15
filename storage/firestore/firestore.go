// Package firestore provides a Firestore implementation of the keymeter.Storage interface.
// Every mutation runs in a Firestore transaction, so concurrent writers for one
// customer are serialized by the server and retried on contention.
//
// Usage tokens and processed events carry an "expiresAt" field. Configure a
// Firestore TTL policy on it, or call Cleanup periodically.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

var _ keymeter.Storage = (*Storage)(nil)

// Storage implements keymeter.Storage using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	keysCollection     string
	accountsCollection string
	tokensCollection   string
	eventsCollection   string
}

// Config holds Firestore storage configuration
type Config struct {
	// KeysCollection holds hashed key records
	// Default: "keymeter_keys"
	KeysCollection string

	// AccountsCollection holds one document per customer
	// Default: "keymeter_accounts"
	AccountsCollection string

	// TokensCollection holds claimed idempotency tokens
	// Default: "keymeter_usage_tokens"
	TokensCollection string

	// EventsCollection holds processed webhook event ids
	// Default: "keymeter_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.KeysCollection == "" {
		config.KeysCollection = "keymeter_keys"
	}
	if config.AccountsCollection == "" {
		config.AccountsCollection = "keymeter_accounts"
	}
	if config.TokensCollection == "" {
		config.TokensCollection = "keymeter_usage_tokens"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "keymeter_events"
	}

	return &Storage{
		client:             client,
		keysCollection:     config.KeysCollection,
		accountsCollection: config.AccountsCollection,
		tokensCollection:   config.TokensCollection,
		eventsCollection:   config.EventsCollection,
	}, nil
}

// Ping issues a cheap read to check connectivity
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.accountsCollection).Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

// GetKeyRecord implements keymeter.Storage
func (s *Storage) GetKeyRecord(ctx context.Context, hashedKey string) (*keymeter.KeyRecord, error) {
	snap, err := s.keyDoc(hashedKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, keymeter.ErrNotFound
		}
		return nil, unavailable("failed to get key record", err)
	}
	if !snap.Exists() {
		return nil, keymeter.ErrNotFound
	}

	data := snap.Data()
	return &keymeter.KeyRecord{
		HashedKey:  hashedKey,
		CustomerID: getString(data, "customerId"),
		CreatedAt:  getTime(data, "createdAt"),
	}, nil
}

// InsertKeyRecord implements keymeter.Storage
func (s *Storage) InsertKeyRecord(ctx context.Context, rec *keymeter.KeyRecord) error {
	if rec == nil || rec.HashedKey == "" || rec.CustomerID == "" {
		return fmt.Errorf("%w: invalid key record", keymeter.ErrInvalidArgument)
	}
	_, err := s.keyDoc(rec.HashedKey).Create(ctx, keyData(rec.CustomerID, rec.CreatedAt))
	if status.Code(err) == codes.AlreadyExists {
		return keymeter.ErrConflict
	}
	if err != nil {
		return unavailable("failed to insert key record", err)
	}
	return nil
}

// GetAccount implements keymeter.Storage
func (s *Storage) GetAccount(ctx context.Context, customerID string) (*keymeter.Account, error) {
	snap, err := s.accountDoc(customerID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, keymeter.ErrNotFound
		}
		return nil, unavailable("failed to get account", err)
	}
	if !snap.Exists() {
		return nil, keymeter.ErrNotFound
	}
	return accountFromData(customerID, snap.Data()), nil
}

// ActivateAccount implements keymeter.Storage
func (s *Storage) ActivateAccount(
	ctx context.Context,
	customerID, billingItemRef string,
	now time.Time,
) (*keymeter.Account, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: empty customer id", keymeter.ErrInvalidArgument)
	}
	now = now.UTC()

	var acct *keymeter.Account
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc := s.accountDoc(customerID)
		current, err := getAccountTx(tx, doc, customerID)
		if err != nil {
			return err
		}
		acct = activate(current, customerID, billingItemRef, now)
		return tx.Set(doc, accountData(acct))
	})
	if err != nil {
		return nil, unavailable("failed to activate account", err)
	}
	return acct, nil
}

// DeactivateAccount implements keymeter.Storage
func (s *Storage) DeactivateAccount(ctx context.Context, customerID string, now time.Time) (*keymeter.Account, error) {
	var acct *keymeter.Account
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc := s.accountDoc(customerID)
		current, err := getAccountTx(tx, doc, customerID)
		if err != nil {
			return err
		}
		if current == nil {
			return keymeter.ErrNotFound
		}
		current.Active = false
		current.Version++
		current.UpdatedAt = now.UTC()
		acct = current
		return tx.Set(doc, accountData(acct))
	})
	if errors.Is(err, keymeter.ErrNotFound) {
		return nil, keymeter.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("failed to deactivate account", err)
	}
	return acct, nil
}

// RecordUsage implements keymeter.Storage
func (s *Storage) RecordUsage(ctx context.Context, req *keymeter.RecordUsageRequest) (*keymeter.RecordUsageResult, error) {
	if req == nil || req.CustomerID == "" || req.IdempotencyToken == "" {
		return nil, fmt.Errorf("%w: invalid usage request", keymeter.ErrInvalidArgument)
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var result *keymeter.RecordUsageResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		acctDoc := s.accountDoc(req.CustomerID)
		tokDoc := s.tokenDoc(req.CustomerID, req.IdempotencyToken)

		// All reads must happen before any writes in a Firestore transaction
		acct, err := getAccountTx(tx, acctDoc, req.CustomerID)
		if err != nil {
			return err
		}
		if acct == nil || !acct.Active {
			return keymeter.ErrUnauthorized
		}
		claimed, err := liveTx(tx, tokDoc, now)
		if err != nil {
			return err
		}
		if claimed {
			result = &keymeter.RecordUsageResult{Account: acct, Duplicate: true}
			return nil
		}

		acct.UsageCount += req.Quantity
		acct.Version++
		acct.UpdatedAt = now
		if err := tx.Set(tokDoc, map[string]interface{}{
			"customerId": req.CustomerID,
			"expiresAt":  now.Add(req.TokenTTL),
		}); err != nil {
			return err
		}
		if err := tx.Set(acctDoc, accountData(acct)); err != nil {
			return err
		}
		result = &keymeter.RecordUsageResult{Account: acct}
		return nil
	})
	if errors.Is(err, keymeter.ErrUnauthorized) {
		return nil, keymeter.ErrUnauthorized
	}
	if err != nil {
		return nil, unavailable("failed to record usage", err)
	}
	return result, nil
}

// Provision implements keymeter.Storage in one transaction
func (s *Storage) Provision(ctx context.Context, req *keymeter.ProvisionRequest) (*keymeter.ProvisionResult, error) {
	if req == nil || req.EventID == "" || req.CustomerID == "" || req.HashedKey == "" {
		return nil, fmt.Errorf("%w: invalid provision request", keymeter.ErrInvalidArgument)
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var result *keymeter.ProvisionResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		evtDoc := s.eventDoc(req.EventID)
		acctDoc := s.accountDoc(req.CustomerID)
		keyDoc := s.keyDoc(req.HashedKey)

		processed, err := liveTx(tx, evtDoc, now)
		if err != nil {
			return err
		}
		if processed {
			result = &keymeter.ProvisionResult{AlreadyProcessed: true}
			return nil
		}

		current, err := getAccountTx(tx, acctDoc, req.CustomerID)
		if err != nil {
			return err
		}
		issue := current == nil || current.HashedKey == ""
		if issue {
			taken, err := existsTx(tx, keyDoc)
			if err != nil {
				return err
			}
			if taken {
				return keymeter.ErrConflict
			}
		}

		acct := activate(current, req.CustomerID, req.BillingItemRef, now)
		if issue {
			acct.HashedKey = req.HashedKey
			if err := tx.Create(keyDoc, keyData(req.CustomerID, now)); err != nil {
				return err
			}
		}
		if err := tx.Set(acctDoc, accountData(acct)); err != nil {
			return err
		}
		if err := tx.Set(evtDoc, map[string]interface{}{"expiresAt": now.Add(req.EventTTL)}); err != nil {
			return err
		}
		result = &keymeter.ProvisionResult{Account: acct, KeyIssued: issue}
		return nil
	})
	if errors.Is(err, keymeter.ErrConflict) || status.Code(err) == codes.AlreadyExists {
		return nil, keymeter.ErrConflict
	}
	if err != nil {
		return nil, unavailable("failed to provision", err)
	}
	return result, nil
}

// MarkEventProcessed implements keymeter.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: empty event id", keymeter.ErrInvalidArgument)
	}
	now := time.Now().UTC()

	var marked bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc := s.eventDoc(eventID)
		live, err := liveTx(tx, doc, now)
		if err != nil {
			return err
		}
		marked = !live
		if live {
			return nil
		}
		return tx.Set(doc, map[string]interface{}{"expiresAt": now.Add(ttl)})
	})
	if err != nil {
		return false, unavailable("failed to mark event", err)
	}
	return marked, nil
}

// EventProcessed implements keymeter.Storage
func (s *Storage) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	snap, err := s.eventDoc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, unavailable("failed to check event", err)
	}
	return snap.Exists() && getTime(snap.Data(), "expiresAt").After(time.Now()), nil
}

// Cleanup deletes expired tokens and events and returns how many were deleted
func (s *Storage) Cleanup(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	bw := s.client.BulkWriter(ctx)
	deleted := 0

	for _, coll := range []string{s.tokensCollection, s.eventsCollection} {
		iter := s.client.Collection(coll).Where("expiresAt", "<=", now).Documents(ctx)
		for {
			doc, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				iter.Stop()
				bw.End()
				return deleted, fmt.Errorf("failed to list expired documents: %w", err)
			}
			if _, err := bw.Delete(doc.Ref); err != nil {
				iter.Stop()
				bw.End()
				return deleted, fmt.Errorf("failed to delete expired document: %w", err)
			}
			deleted++
		}
		iter.Stop()
	}
	bw.End()
	return deleted, nil
}

func (s *Storage) keyDoc(hashedKey string) *firestore.DocumentRef {
	return s.client.Collection(s.keysCollection).Doc(docID(hashedKey))
}

func (s *Storage) accountDoc(customerID string) *firestore.DocumentRef {
	return s.client.Collection(s.accountsCollection).Doc(docID(customerID))
}

// tokenDoc hashes customer and token; tokens are caller supplied and may
// contain characters Firestore rejects in document ids.
func (s *Storage) tokenDoc(customerID, token string) *firestore.DocumentRef {
	sum := sha256.Sum256([]byte(customerID + "\x00" + token))
	return s.client.Collection(s.tokensCollection).Doc(hex.EncodeToString(sum[:]))
}

func (s *Storage) eventDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(docID(eventID))
}

func docID(id string) string {
	return url.PathEscape(id)
}

// getAccountTx returns nil without error when the account does not exist
func getAccountTx(tx *firestore.Transaction, doc *firestore.DocumentRef, customerID string) (*keymeter.Account, error) {
	snap, err := tx.Get(doc)
	if err != nil && status.Code(err) != codes.NotFound {
		return nil, err
	}
	if snap == nil || !snap.Exists() {
		return nil, nil
	}
	return accountFromData(customerID, snap.Data()), nil
}

// liveTx reports whether doc exists with an expiresAt after now
func liveTx(tx *firestore.Transaction, doc *firestore.DocumentRef, now time.Time) (bool, error) {
	snap, err := tx.Get(doc)
	if err != nil && status.Code(err) != codes.NotFound {
		return false, err
	}
	if snap == nil || !snap.Exists() {
		return false, nil
	}
	return getTime(snap.Data(), "expiresAt").After(now), nil
}

func existsTx(tx *firestore.Transaction, doc *firestore.DocumentRef) (bool, error) {
	snap, err := tx.Get(doc)
	if err != nil && status.Code(err) != codes.NotFound {
		return false, err
	}
	return snap != nil && snap.Exists(), nil
}

// activate returns the activated account; current may be nil.
func activate(current *keymeter.Account, customerID, billingItemRef string, now time.Time) *keymeter.Account {
	acct := current
	if acct == nil {
		acct = &keymeter.Account{CustomerID: customerID, CreatedAt: now}
	}
	acct.Active = true
	if billingItemRef != "" {
		acct.BillingItemRef = billingItemRef
	}
	acct.Version++
	acct.UpdatedAt = now
	return acct
}

func keyData(customerID string, createdAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"customerId": customerID,
		"createdAt":  createdAt.UTC(),
	}
}

func accountData(acct *keymeter.Account) map[string]interface{} {
	return map[string]interface{}{
		"hashedKey":      acct.HashedKey,
		"active":         acct.Active,
		"billingItemRef": acct.BillingItemRef,
		"usageCount":     int64(acct.UsageCount),
		"version":        int64(acct.Version),
		"createdAt":      acct.CreatedAt,
		"updatedAt":      acct.UpdatedAt,
	}
}

func accountFromData(customerID string, data map[string]interface{}) *keymeter.Account {
	active, _ := data["active"].(bool)
	return &keymeter.Account{
		CustomerID:     customerID,
		HashedKey:      getString(data, "hashedKey"),
		Active:         active,
		BillingItemRef: getString(data, "billingItemRef"),
		UsageCount:     uint64(getInt64(data, "usageCount")),
		Version:        uint64(getInt64(data, "version")),
		CreatedAt:      getTime(data, "createdAt"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}
}

func unavailable(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", keymeter.ErrStorageUnavailable, msg, err)
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
