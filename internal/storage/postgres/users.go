package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

type userRepo struct {
	q querier
}

const selectUser = `
SELECT u.username,
	COALESCE(u.email, ''),
	u.created_at,
	COALESCE(array_agg(r.role ORDER BY r.role) FILTER (WHERE r.role IS NOT NULL), '{}')
FROM users u
LEFT JOIN user_roles r ON r.username = u.username
WHERE u.username = $1
GROUP BY u.username, u.email, u.created_at`

func (r *userRepo) GetUser(ctx context.Context, username string) (crawler.User, error) {
	var user crawler.User
	err := r.q.QueryRow(ctx, selectUser, crawler.NormalizeUsername(username)).
		Scan(&user.Username, &user.Email, &user.CreatedAt, &user.Roles)
	if err != nil {
		return crawler.User{}, mapError(fmt.Sprintf("get user %q", username), err)
	}
	return user, nil
}

// UpsertUser creates the user or replaces its email and roles.
func (r *userRepo) UpsertUser(ctx context.Context, user crawler.User) error {
	username := crawler.NormalizeUsername(user.Username)
	if username == "" {
		return fmt.Errorf("username is required: %w", crawler.ErrInvalidInput)
	}
	var email *string
	if e := strings.TrimSpace(user.Email); e != "" {
		email = &e
	}
	if _, err := r.q.Exec(ctx, `
INSERT INTO users (username, email) VALUES ($1, $2)
ON CONFLICT (username) DO UPDATE SET email = EXCLUDED.email`, username, email); err != nil {
		return mapError("upsert user", err)
	}
	if _, err := r.q.Exec(ctx, `DELETE FROM user_roles WHERE username = $1`, username); err != nil {
		return mapError("clear user roles", err)
	}
	for _, role := range normalizeRoles(user.Roles) {
		if _, err := r.q.Exec(ctx,
			`INSERT INTO user_roles (username, role) VALUES ($1, $2)`, username, role); err != nil {
			return mapError("insert user role", err)
		}
	}
	return nil
}

func normalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
