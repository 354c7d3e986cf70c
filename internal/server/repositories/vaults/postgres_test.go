package vaults

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestCreate(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO shared_vaults .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("v1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Create(context.Background(), &models.SharedVault{ID: "v1", OwnerID: "u1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreate_Exists(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO shared_vaults`).
		WithArgs("v1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Create(context.Background(), &models.SharedVault{ID: "v1", OwnerID: "u1"})
	if !errors.Is(err, ErrVaultExists) {
		t.Fatalf("want ErrVaultExists, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, owner_id FROM shared_vaults`).
		WithArgs("v9").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "v9")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want ErrorNotFound, got %v", err)
	}
}

func TestPutMember(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO vault_members .* DO UPDATE SET permission = EXCLUDED.permission`).
		WithArgs("v1", "u2", "write").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.PutMember(context.Background(), models.VaultMember{VaultID: "v1", UserID: "u2", Permission: "write"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMember(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM vault_members`).
		WithArgs("v1", "u2").
		WillReturnRows(sqlmock.NewRows([]string{"vault_id", "user_id", "permission"}).AddRow("v1", "u2", "read"))
	mock.ExpectQuery(`FROM vault_members`).
		WithArgs("v1", "u3").
		WillReturnError(sql.ErrNoRows)

	m, err := repo.Member(context.Background(), "v1", "u2")
	if err != nil || m.Permission != "read" {
		t.Fatalf("Member = %+v, %v", m, err)
	}
	if _, err := repo.Member(context.Background(), "v1", "u3"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want ErrorNotFound, got %v", err)
	}
}

func TestMembersAndRemove(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM vault_members WHERE vault_id = \$1 AND user_id = \$2`).
		WithArgs("v1", "u2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT vault_id, user_id, permission FROM vault_members WHERE vault_id = \$1`).
		WithArgs("v1").
		WillReturnRows(sqlmock.NewRows([]string{"vault_id", "user_id", "permission"}).AddRow("v1", "u1", "admin"))

	if err := repo.RemoveMember(context.Background(), "v1", "u2"); err != nil {
		t.Fatalf("RemoveMember error: %v", err)
	}
	ms, err := repo.Members(context.Background(), "v1")
	if err != nil || len(ms) != 1 || ms[0].UserID != "u1" {
		t.Fatalf("Members = %+v, %v", ms, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
