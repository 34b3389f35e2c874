package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const defaultCollectionPrefix = "hwlicense_"

// validCollectionName matches safe MongoDB collection names.
var validCollectionName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// MongoOption configures a MongoStore.
type MongoOption func(*MongoStore)

// WithCollectionPrefix sets the prefix of the licenses and vouchers
// collections. Default: "hwlicense_".
func WithCollectionPrefix(prefix string) MongoOption {
	return func(s *MongoStore) {
		s.prefix = prefix
	}
}

// WithTransactions forces redemption to use (or avoid) multi-document
// transactions. By default they are used when the server is a replica set
// member or a mongos router.
func WithTransactions(enabled bool) MongoOption {
	return func(s *MongoStore) {
		s.forceTxn = &enabled
	}
}

// MongoStore implements Store using MongoDB. Voucher capacity is claimed with
// a conditional $inc. On deployments with transactions the claim and the
// license insert commit together; on a standalone server a failed insert
// gives the claim back.
type MongoStore struct {
	client       *mongo.Client
	licenses     *mongo.Collection
	vouchers     *mongo.Collection
	prefix       string
	transactions bool
	forceTxn     *bool
}

// helloReply holds the fields of the hello command that reveal topology.
type helloReply struct {
	SetName string `bson:"setName"`
	Msg     string `bson:"msg"`
}

// supportsTransactions reports whether the server replying hello can run
// multi-document transactions.
func supportsTransactions(r helloReply) bool {
	return r.SetName != "" || r.Msg == "isdbgrid"
}

type licenseDoc struct {
	ID              string     `bson:"_id"`
	ClientName      string     `bson:"client_name"`
	HardwareID      string     `bson:"hardware_id"`
	Expiry          time.Time  `bson:"expiry"`
	SealedArtifact  string     `bson:"sealed_artifact"`
	IsActive        bool       `bson:"is_active"`
	CreatedAt       time.Time  `bson:"created_at"`
	LastValidatedAt *time.Time `bson:"last_validated_at,omitempty"`
	VoucherCode     *string    `bson:"voucher_code,omitempty"`
}

type voucherDoc struct {
	Code           string     `bson:"_id"`
	DurationDays   int        `bson:"duration_days"`
	AllowedDevices int        `bson:"allowed_devices"`
	UsageCount     int        `bson:"usage_count"`
	IsActive       bool       `bson:"is_active"`
	Expiry         *time.Time `bson:"expiry"`
	Description    *string    `bson:"description,omitempty"`
	GeneratedAt    time.Time  `bson:"generated_at"`
}

func (d *licenseDoc) license() (*License, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("parse license id: %w", err)
	}
	return &License{
		ID:              id,
		ClientName:      d.ClientName,
		HardwareID:      d.HardwareID,
		Expiry:          d.Expiry.UTC(),
		SealedArtifact:  d.SealedArtifact,
		IsActive:        d.IsActive,
		CreatedAt:       d.CreatedAt.UTC(),
		LastValidatedAt: utcPtr(d.LastValidatedAt),
		VoucherCode:     d.VoucherCode,
	}, nil
}

func (d *voucherDoc) voucher() *Voucher {
	return &Voucher{
		Code:           d.Code,
		DurationDays:   d.DurationDays,
		AllowedDevices: d.AllowedDevices,
		UsageCount:     d.UsageCount,
		IsActive:       d.IsActive,
		Expiry:         utcPtr(d.Expiry),
		Description:    d.Description,
		GeneratedAt:    d.GeneratedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// NewMongoStore creates a MongoDB-backed store.
// It creates the necessary indexes on initialization.
func NewMongoStore(ctx context.Context, db *mongo.Database, opts ...MongoOption) (*MongoStore, error) {
	s := &MongoStore{
		prefix: defaultCollectionPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !validCollectionName.MatchString(s.prefix + "licenses") {
		return nil, fmt.Errorf("invalid collection prefix %q: must match [a-zA-Z_][a-zA-Z0-9_]*", s.prefix)
	}
	s.client = db.Client()
	s.licenses = db.Collection(s.prefix + "licenses")
	s.vouchers = db.Collection(s.prefix + "vouchers")

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	if s.forceTxn != nil {
		s.transactions = *s.forceTxn
		return s, nil
	}
	// Servers too old for hello fall back to release on failure.
	var hello helloReply
	if err := db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err == nil {
		s.transactions = supportsTransactions(hello)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.licenses.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "hardware_id", Value: 1},
			{Key: "is_active", Value: 1},
			{Key: "created_at", Value: -1},
		},
	})
	return err
}

func (s *MongoStore) FindActiveLicenseByHardwareID(ctx context.Context, hardwareID string) (*License, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc licenseDoc
	err := s.licenses.FindOne(ctx, bson.M{"hardware_id": hardwareID, "is_active": true}, opts).Decode(&doc)
	if err != nil {
		return nil, s.wrap("find active license", err)
	}
	return doc.license()
}

func (s *MongoStore) FindLicenseByID(ctx context.Context, id uuid.UUID) (*License, error) {
	var doc licenseDoc
	if err := s.licenses.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		return nil, s.wrap("find license", err)
	}
	l, err := doc.license()
	if err != nil {
		return nil, err
	}
	if l.VoucherCode != nil {
		v, err := s.FindVoucherByCode(ctx, *l.VoucherCode)
		switch {
		case err == nil:
			l.Voucher = v
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	return l, nil
}

func (s *MongoStore) FindVoucherByCode(ctx context.Context, code string) (*Voucher, error) {
	var doc voucherDoc
	if err := s.vouchers.FindOne(ctx, bson.M{"_id": code}).Decode(&doc); err != nil {
		return nil, s.wrap("find voucher", err)
	}
	return doc.voucher(), nil
}

func (s *MongoStore) SaveLicense(ctx context.Context, lic *License) error {
	set := bson.M{
		"client_name":       lic.ClientName,
		"hardware_id":       lic.HardwareID,
		"expiry":            lic.Expiry,
		"sealed_artifact":   lic.SealedArtifact,
		"last_validated_at": lic.LastValidatedAt,
		"voucher_code":      lic.VoucherCode,
	}
	setOnInsert := bson.M{"created_at": lic.CreatedAt}
	// Deactivation sticks: an active save never flips a stored inactive record.
	if lic.IsActive {
		setOnInsert["is_active"] = true
	} else {
		set["is_active"] = false
	}
	_, err := s.licenses.UpdateOne(ctx,
		bson.M{"_id": lic.ID.String()},
		bson.M{"$set": set, "$setOnInsert": setOnInsert},
		options.UpdateOne().SetUpsert(true),
	)
	return s.wrap("save license", err)
}

func (s *MongoStore) SaveVoucher(ctx context.Context, v *Voucher) error {
	_, err := s.vouchers.UpdateOne(ctx,
		bson.M{"_id": v.Code},
		bson.M{
			"$set": bson.M{
				"duration_days":   v.DurationDays,
				"allowed_devices": v.AllowedDevices,
				"is_active":       v.IsActive,
				"expiry":          v.Expiry,
				"description":     v.Description,
			},
			"$max":         bson.M{"usage_count": v.UsageCount},
			"$setOnInsert": bson.M{"generated_at": v.GeneratedAt},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return s.wrap("save voucher", err)
}

func (s *MongoStore) CreateVoucher(ctx context.Context, v *Voucher) error {
	_, err := s.vouchers.InsertOne(ctx, voucherDoc{
		Code:           v.Code,
		DurationDays:   v.DurationDays,
		AllowedDevices: v.AllowedDevices,
		UsageCount:     v.UsageCount,
		IsActive:       v.IsActive,
		Expiry:         v.Expiry,
		Description:    v.Description,
		GeneratedAt:    v.GeneratedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateCode
	}
	return s.wrap("create voucher", err)
}

func (s *MongoStore) RedeemVoucher(ctx context.Context, code string, now time.Time, issue IssueFunc) (*License, error) {
	if s.transactions {
		return s.redeemInTransaction(ctx, code, now, issue)
	}
	return s.redeemWithRelease(ctx, code, now, issue)
}

func (s *MongoStore) redeemInTransaction(ctx context.Context, code string, now time.Time, issue IssueFunc) (*License, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, s.wrap("start session", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	res, err := sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		doc, err := s.claim(ctx, code, now)
		if err != nil {
			return nil, err
		}
		lic, err := issue(*doc.voucher())
		if err != nil {
			return nil, err
		}
		if err := s.insertLicense(ctx, lic); err != nil {
			return nil, err
		}
		return lic, nil
	})
	if err != nil {
		return nil, s.wrap("redeem voucher", err)
	}
	return res.(*License), nil
}

func (s *MongoStore) redeemWithRelease(ctx context.Context, code string, now time.Time, issue IssueFunc) (*License, error) {
	doc, err := s.claim(ctx, code, now)
	if err != nil {
		return nil, err
	}
	lic, err := issue(*doc.voucher())
	if err != nil {
		s.release(ctx, code)
		return nil, err
	}
	if err := s.insertLicense(ctx, lic); err != nil {
		s.release(ctx, code)
		return nil, err
	}
	return lic, nil
}

// claim takes one slot of a redeemable voucher and returns it as it was before.
func (s *MongoStore) claim(ctx context.Context, code string, now time.Time) (*voucherDoc, error) {
	filter := bson.M{
		"_id":       code,
		"is_active": true,
		"$expr":     bson.M{"$lt": bson.A{"$usage_count", "$allowed_devices"}},
		"$or": bson.A{
			bson.M{"expiry": nil},
			bson.M{"expiry": bson.M{"$gte": now}},
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	var doc voucherDoc
	err := s.vouchers.FindOneAndUpdate(ctx, filter, bson.M{"$inc": bson.M{"usage_count": 1}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.classifyRejected(ctx, code, now)
	}
	if err != nil {
		return nil, s.wrap("claim voucher", err)
	}
	return &doc, nil
}

func (s *MongoStore) insertLicense(ctx context.Context, lic *License) error {
	_, err := s.licenses.InsertOne(ctx, licenseDoc{
		ID:              lic.ID.String(),
		ClientName:      lic.ClientName,
		HardwareID:      lic.HardwareID,
		Expiry:          lic.Expiry,
		SealedArtifact:  lic.SealedArtifact,
		IsActive:        lic.IsActive,
		CreatedAt:       lic.CreatedAt,
		LastValidatedAt: lic.LastValidatedAt,
		VoucherCode:     lic.VoucherCode,
	})
	return s.wrap("insert license", err)
}

// classifyRejected re-reads a voucher the conditional claim did not match.
func (s *MongoStore) classifyRejected(ctx context.Context, code string, now time.Time) error {
	v, err := s.FindVoucherByCode(ctx, code)
	if err != nil {
		return err
	}
	if err := v.Redeemable(now); err != nil {
		return err
	}
	// Matched nothing but looks redeemable now: a concurrent claim took the last slot and released it.
	return ErrVoucherExhausted
}

// release gives back a claimed slot after the license could not be stored.
func (s *MongoStore) release(ctx context.Context, code string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, _ = s.vouchers.UpdateOne(ctx,
		bson.M{"_id": code, "usage_count": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"usage_count": -1}},
	)
}

func (s *MongoStore) Close(_ context.Context) error {
	return nil // user manages the mongo.Database lifecycle
}

func (s *MongoStore) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return fmt.Errorf("%s: %w", op, unavailable(err))
	}
	return wrap(op, err)
}
