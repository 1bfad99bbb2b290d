package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/loqui-backend/internal/domain"
)

func SeedOrg(tb testing.TB, ctx context.Context, tx *gorm.DB, name string) *types.Organization {
	tb.Helper()
	org := &types.Organization{
		ID:   uuid.New(),
		Name: name,
		Slug: fmt.Sprintf("%s-%s", name, uuid.NewString()[:8]),
	}
	if err := tx.WithContext(ctx).Create(org).Error; err != nil {
		tb.Fatalf("seed org: %v", err)
	}
	return org
}

func SeedUser(tb testing.TB, ctx context.Context, tx *gorm.DB, orgID uuid.UUID, role string) *types.User {
	tb.Helper()
	u := &types.User{
		ID:    uuid.New(),
		OrgID: orgID,
		Email: fmt.Sprintf("%s@example.com", uuid.NewString()[:8]),
		Role:  role,
	}
	if err := tx.WithContext(ctx).Create(u).Error; err != nil {
		tb.Fatalf("seed user: %v", err)
	}
	return u
}

func SeedChat(tb testing.TB, ctx context.Context, tx *gorm.DB, orgID, userID uuid.UUID) *types.Chat {
	tb.Helper()
	chat := &types.Chat{
		ID:            uuid.New(),
		OrgID:         orgID,
		UserID:        userID,
		Title:         "New Chat",
		LastMessageAt: time.Now(),
	}
	if err := tx.WithContext(ctx).Create(chat).Error; err != nil {
		tb.Fatalf("seed chat: %v", err)
	}
	return chat
}

func SeedMessage(tb testing.TB, ctx context.Context, tx *gorm.DB, chatID uuid.UUID, role, content string) *types.Message {
	tb.Helper()
	msg := &types.Message{
		ID:       uuid.New(),
		ChatID:   chatID,
		Role:     role,
		Content:  content,
		Metadata: datatypes.JSON([]byte(`{}`)),
	}
	if err := tx.WithContext(ctx).Create(msg).Error; err != nil {
		tb.Fatalf("seed message: %v", err)
	}
	return msg
}

func SeedDocument(tb testing.TB, ctx context.Context, tx *gorm.DB, orgID, userID uuid.UUID, status string) *types.Document {
	tb.Helper()
	doc := &types.Document{
		ID:        uuid.New(),
		OrgID:     orgID,
		UserID:    userID,
		Filename:  "paper.pdf",
		MimeType:  "application/pdf",
		SizeBytes: 2048,
		BlobKey:   fmt.Sprintf("%s/%s.pdf", orgID, uuid.New()),
		Status:    status,
	}
	if err := tx.WithContext(ctx).Create(doc).Error; err != nil {
		tb.Fatalf("seed document: %v", err)
	}
	return doc
}

func SeedPrompt(tb testing.TB, ctx context.Context, tx *gorm.DB, name string, version int, active bool) *types.Prompt {
	tb.Helper()
	p := &types.Prompt{
		ID:       uuid.New(),
		Name:     name,
		Version:  version,
		Content:  "You are a helpful assistant.",
		Active:   active,
		Metadata: datatypes.JSON([]byte(`{}`)),
	}
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed prompt: %v", err)
	}
	return p
}
