package repos

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/repos/testutil"
)

func TestChatRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewChatRepo(db, testutil.Logger(t))

	orgA := testutil.SeedOrg(t, ctx, tx, "org-a")
	orgB := testutil.SeedOrg(t, ctx, tx, "org-b")
	userA := testutil.SeedUser(t, ctx, tx, orgA.ID, "member")

	chat := &types.Chat{OrgID: orgA.ID, UserID: userA.ID, Title: "New Chat"}
	if _, err := repo.Create(dbc, []*types.Chat{chat}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if chat.ID == uuid.Nil {
		t.Fatalf("Create: id not assigned")
	}

	if got, err := repo.GetByID(dbc, orgA.ID, chat.ID); err != nil || got.ID != chat.ID {
		t.Fatalf("GetByID same org: got=%v err=%v", got, err)
	}

	// Another tenant's id must look like a missing row.
	if _, err := repo.GetByID(dbc, orgB.ID, chat.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("GetByID cross org: want ErrRecordNotFound got=%v", err)
	}

	if rows, err := repo.ListByUser(dbc, orgA.ID, userA.ID, 10); err != nil || len(rows) != 1 {
		t.Fatalf("ListByUser: err=%v len=%d", err, len(rows))
	}
	if rows, err := repo.ListByUser(dbc, orgB.ID, userA.ID, 10); err != nil || len(rows) != 0 {
		t.Fatalf("ListByUser cross org: err=%v len=%d", err, len(rows))
	}

	ok, err := repo.UpdateFields(dbc, orgA.ID, chat.ID, map[string]interface{}{"title": "Renamed"})
	if err != nil || !ok {
		t.Fatalf("UpdateFields: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.UpdateFields(dbc, orgB.ID, chat.ID, map[string]interface{}{"title": "x"}); err != nil || ok {
		t.Fatalf("UpdateFields cross org: ok=%v err=%v", ok, err)
	}
	if got, _ := repo.GetByID(dbc, orgA.ID, chat.ID); got.Title != "Renamed" {
		t.Fatalf("UpdateFields title: want=Renamed got=%s", got.Title)
	}

	if ok, err := repo.SoftDelete(dbc, orgB.ID, chat.ID); err != nil || ok {
		t.Fatalf("SoftDelete cross org: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.SoftDelete(dbc, orgA.ID, chat.ID); err != nil || !ok {
		t.Fatalf("SoftDelete: ok=%v err=%v", ok, err)
	}
	if _, err := repo.GetByID(dbc, orgA.ID, chat.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("GetByID after delete: want ErrRecordNotFound got=%v", err)
	}
}
