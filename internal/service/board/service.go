package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"igniteme/internal/logger"
	"igniteme/internal/metrics"
	"igniteme/internal/models"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrPersistence     = errors.New("could not persist")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
)

const (
	DefaultPageSize = 30
	MaxPageSize     = 100
)

// Service stores goal posts, their obstacles and the discussion under each
// obstacle.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, log: logger.Component("board")}
}

// CreatePost writes the post and its obstacles in one transaction and
// returns the new post id.
func (s *Service) CreatePost(ctx context.Context, content string, author *models.User, obstacles []string) (string, error) {
	return s.CreatePostOnce(ctx, "", content, author, obstacles)
}

// CreatePostOnce is CreatePost keyed by publishKey: a key that was already
// stored returns the existing post id instead of writing a second post. An
// empty key disables the check.
func (s *Service) CreatePostOnce(ctx context.Context, publishKey, content string, author *models.User, obstacles []string) (string, error) {
	if author == nil || author.ID <= 0 {
		return "", ErrUnauthenticated
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: goal content required", ErrInvalidInput)
	}
	var items []string
	for _, o := range obstacles {
		if o = strings.TrimSpace(o); o != "" {
			items = append(items, o)
		}
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: at least one obstacle required", ErrInvalidInput)
	}
	if id, ok := s.postByKey(ctx, publishKey); ok {
		return id, nil
	}

	postID := uuid.NewString()
	if err := s.insertPost(ctx, postID, publishKey, content, author.ID, items); err != nil {
		// a concurrent writer may have stored the same key first
		if id, ok := s.postByKey(ctx, publishKey); ok {
			return id, nil
		}
		s.log.Error().Err(err).Int64("author", author.ID).Msg("create post")
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.PostsCreated.Inc()
	return postID, nil
}

func (s *Service) postByKey(ctx context.Context, publishKey string) (string, bool) {
	if publishKey == "" {
		return "", false
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM posts WHERE publish_key = ?`, publishKey).Scan(&id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Warn().Err(err).Msg("lookup publish key")
		}
		return "", false
	}
	return id, true
}

func (s *Service) insertPost(ctx context.Context, postID, publishKey, content string, authorID int64, obstacles []string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	key := sql.NullString{String: publishKey, Valid: publishKey != ""}
	now := time.Now().UTC()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO posts (id, publish_key, author_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		postID, key, authorID, content, now,
	); err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	for i, o := range obstacles {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO obstacles (id, post_id, position, content) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), postID, i, o,
		); err != nil {
			return fmt.Errorf("insert obstacle: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit post: %w", err)
	}
	return nil
}

// ListPosts returns one page of the feed in insertion order. The returned
// cursor is empty on the last page.
func (s *Service) ListPosts(ctx context.Context, pageSize int, cursor string) ([]models.Post, string, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	var after int64
	if cursor != "" {
		var err error
		if after, err = strconv.ParseInt(cursor, 10, 64); err != nil || after < 0 {
			return nil, "", fmt.Errorf("%w: bad cursor", ErrInvalidInput)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT p.seq, p.id, p.content, p.created_at, u.id, u.display_name
		 FROM posts p JOIN users u ON u.id = p.author_id
		 WHERE p.seq > ? ORDER BY p.seq ASC LIMIT ?`,
		after, pageSize+1,
	)
	if err != nil {
		return nil, "", fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	posts := make([]models.Post, 0, pageSize)
	var lastSeq int64
	more := false
	for rows.Next() {
		if len(posts) == pageSize {
			more = true
			break
		}
		var p models.Post
		if err := rows.Scan(&lastSeq, &p.ID, &p.Content, &p.CreatedAt, &p.Author.ID, &p.Author.DisplayName); err != nil {
			return nil, "", fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list posts: %w", err)
	}
	next := ""
	if more {
		next = strconv.FormatInt(lastSeq, 10)
	}
	return posts, next, nil
}

// GetPost returns a single post with its author.
func (s *Service) GetPost(ctx context.Context, postID string) (*models.Post, error) {
	var p models.Post
	err := s.db.QueryRowContext(ctx,
		`SELECT p.id, p.content, p.created_at, u.id, u.display_name
		 FROM posts p JOIN users u ON u.id = p.author_id WHERE p.id = ?`,
		postID,
	).Scan(&p.ID, &p.Content, &p.CreatedAt, &p.Author.ID, &p.Author.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("post %s: %w", postID, ErrNotFound)
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	return &p, nil
}

// ListObstacles returns the obstacles of a post in dialogue order.
func (s *Service) ListObstacles(ctx context.Context, postID string) ([]models.Obstacle, error) {
	if _, err := s.GetPost(ctx, postID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, post_id, position, content FROM obstacles WHERE post_id = ? ORDER BY position ASC`,
		postID,
	)
	if err != nil {
		return nil, fmt.Errorf("list obstacles: %w", err)
	}
	defer rows.Close()

	obstacles := make([]models.Obstacle, 0)
	for rows.Next() {
		var o models.Obstacle
		if err := rows.Scan(&o.ID, &o.PostID, &o.Position, &o.Content); err != nil {
			return nil, fmt.Errorf("scan obstacle: %w", err)
		}
		obstacles = append(obstacles, o)
	}
	return obstacles, rows.Err()
}

// GetObstacle returns the obstacle only if it belongs to the post.
func (s *Service) GetObstacle(ctx context.Context, postID, obstacleID string) (*models.Obstacle, error) {
	var o models.Obstacle
	err := s.db.QueryRowContext(ctx,
		`SELECT id, post_id, position, content FROM obstacles WHERE id = ? AND post_id = ?`,
		obstacleID, postID,
	).Scan(&o.ID, &o.PostID, &o.Position, &o.Content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("obstacle %s: %w", obstacleID, ErrNotFound)
		}
		return nil, fmt.Errorf("get obstacle: %w", err)
	}
	return &o, nil
}

// ListMessages returns the discussion under an obstacle in posting order.
func (s *Service) ListMessages(ctx context.Context, postID, obstacleID string) ([]models.Message, error) {
	if _, err := s.GetObstacle(ctx, postID, obstacleID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.post_id, m.obstacle_id, m.content, m.created_at, u.id, u.display_name
		 FROM messages m JOIN users u ON u.id = m.author_id
		 WHERE m.obstacle_id = ? ORDER BY m.seq ASC`,
		obstacleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.PostID, &m.ObstacleID, &m.Content, &m.CreatedAt, &m.Author.ID, &m.Author.DisplayName); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// PostMessage appends a message under an obstacle. Anonymous callers are
// rejected before the database is touched.
func (s *Service) PostMessage(ctx context.Context, postID, obstacleID, content string, author *models.User) (*models.Message, error) {
	if author == nil || author.ID <= 0 {
		return nil, ErrUnauthenticated
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content required", ErrInvalidInput)
	}
	if _, err := s.GetObstacle(ctx, postID, obstacleID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		PostID:     postID,
		ObstacleID: obstacleID,
		Content:    content,
		Author:     author.Author(),
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, post_id, obstacle_id, author_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.PostID, msg.ObstacleID, author.ID, msg.Content, msg.CreatedAt,
	); err != nil {
		s.log.Error().Err(err).Str("obstacle", obstacleID).Msg("insert message")
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.MessagesPosted.Inc()
	return msg, nil
}
