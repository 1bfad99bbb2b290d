package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"github.com/yungbote/loqui-backend/internal/config"
	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/platform/postgres"
	"github.com/yungbote/loqui-backend/internal/repos"
	"github.com/yungbote/loqui-backend/internal/requestmeta"
)

// Orgs and users are provisioned out of band; this CLI stands in for that
// upstream system in local development. It is idempotent: rerunning with the
// same org and emails prints the existing rows instead of duplicating them.

type emailList []string

func (l *emailList) String() string { return strings.Join(*l, ",") }
func (l *emailList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v != "" {
		*l = append(*l, v)
	}
	return nil
}

func main() {
	var orgName string
	var slug string
	var owner string
	var members emailList
	flag.StringVar(&orgName, "org", "", "organization name to provision")
	flag.StringVar(&slug, "slug", "", "organization slug (derived from -org when empty)")
	flag.StringVar(&owner, "owner", "", "email of the organization owner")
	flag.Var(&members, "member", "member email to provision (repeatable)")
	flag.Parse()

	if strings.TrimSpace(orgName) == "" || strings.TrimSpace(owner) == "" {
		fmt.Println("usage: seed -org <name> -owner <email> [-member <email>]...")
		os.Exit(1)
	}
	if slug == "" {
		slug = slugify(orgName)
	}

	_ = godotenv.Load()
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "production"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.FromEnv()
	pg, err := postgres.NewPostgresService(cfg.Postgres, log)
	if err != nil {
		fmt.Printf("connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()
	if err := pg.AutoMigrateAll(); err != nil {
		fmt.Printf("migrate: %v\n", err)
		os.Exit(1)
	}

	orgRepo := repos.NewOrgRepo(pg.DB(), log)
	userRepo := repos.NewUserRepo(pg.DB(), log)
	dbc := dbctx.Context{Ctx: context.Background()}

	org, err := findOrgBySlug(dbc, orgRepo, slug)
	if err != nil {
		fmt.Printf("look up organization: %v\n", err)
		os.Exit(1)
	}
	if org == nil {
		created, err := orgRepo.Create(dbc, []*types.Organization{{Name: orgName, Slug: slug}})
		if err != nil {
			fmt.Printf("create organization: %v\n", err)
			os.Exit(1)
		}
		org = created[0]
		fmt.Printf("created organization %q slug=%s id=%s\n", org.Name, org.Slug, org.ID)
	} else {
		fmt.Printf("organization %q already exists id=%s\n", org.Name, org.ID)
	}

	provisioned := map[string]*types.User{}
	provisioned[owner] = ensureUser(dbc, userRepo, org, owner, requestmeta.RoleOwner)
	for _, email := range members {
		if email == owner {
			continue
		}
		provisioned[email] = ensureUser(dbc, userRepo, org, email, requestmeta.RoleMember)
	}

	fmt.Println()
	fmt.Println("request headers for this tenant:")
	fmt.Printf("  x-org-id: %s\n", org.ID)
	for email, u := range provisioned {
		fmt.Printf("  x-user-id: %s  (%s, %s)\n", u.ID, email, u.Role)
	}
}

func findOrgBySlug(dbc dbctx.Context, orgs repos.OrgRepo, slug string) (*types.Organization, error) {
	rows, err := orgs.List(dbc, 500)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Slug == slug {
			return row, nil
		}
	}
	return nil, nil
}

func ensureUser(dbc dbctx.Context, users repos.UserRepo, org *types.Organization, email, role string) *types.User {
	existing, err := users.GetByOrgAndEmail(dbc, org.ID, email)
	if err == nil {
		fmt.Printf("user %s already exists id=%s role=%s\n", email, existing.ID, existing.Role)
		return existing
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		fmt.Printf("look up user %s: %v\n", email, err)
		os.Exit(1)
	}
	rows, err := users.Create(dbc, []*types.User{{
		OrgID:       org.ID,
		Email:       email,
		DisplayName: displayNameFor(email),
		Role:        role,
	}})
	if err != nil {
		fmt.Printf("create user %s: %v\n", email, err)
		os.Exit(1)
	}
	fmt.Printf("created user %s id=%s role=%s\n", email, rows[0].ID, role)
	return rows[0]
}

func displayNameFor(email string) string {
	local := email
	if i := strings.IndexByte(email, '@'); i > 0 {
		local = email[:i]
	}
	words := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
