package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"koinonia-backend/internal/storage/zapadapter"
)

var (
	ErrMembershipExists        = errors.New("user already has a membership in this tenant")
	ErrMembershipNotExist      = errors.New("membership does not exist")
	ErrUserNotExist            = errors.New("user does not exist")
	ErrConversationNotExist    = errors.New("conversation does not exist")
	ErrNotConversationMember   = errors.New("membership does not belong to the conversation")
	ErrMessageNotExist         = errors.New("message does not exist")
	ErrTooManyExclusions       = errors.New("cannot exclude more than 5 users")
	ErrSelfExclusion           = errors.New("cannot exclude yourself")
	ErrEmptyContent            = errors.New("message content must not be empty")
	ErrBadContentType          = errors.New("unknown content type")
	ErrReplyToReply            = errors.New("replies cannot be replied to")
	ErrBadExclusion            = errors.New("excluded membership does not belong to the tenant")
	ErrBadRole                 = errors.New("unknown role")
	ErrSessionNotExist         = errors.New("session does not exist or has expired")
	ErrParentWrongConversation = errors.New("parent message belongs to another conversation")
)

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New parses the provided Config, applies options, runs schema migrations
// and returns a Store backed by a pgx connection pool. The provided
// zap logger is attached to the pool via zapadapter.
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	if err := runMigrations(cfg.DSN()); err != nil {
		return nil, err
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.db.Close()
}
