package vcs

import (
	"context"
	"testing"

	"github.com/leonletto/ledgerdb/internal/dberr"
	"github.com/leonletto/ledgerdb/internal/storage"
	"github.com/leonletto/ledgerdb/internal/types"
)

func newRepoWithMain(t *testing.T) (*Repo, types.Commit) {
	t.Helper()
	ctx := context.Background()
	backend := storage.NewMemory()
	repo := New(backend)

	commit, err := CreateCommit(CommitMeta{Author: "a", Message: "init", Tree: types.Tree{}}, 1000)
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if err := repo.SaveCommit(ctx, commit); err != nil {
		t.Fatalf("SaveCommit: %v", err)
	}
	if err := repo.writeRef(ctx, "main", commit.Hash); err != nil {
		t.Fatalf("writeRef: %v", err)
	}
	if err := repo.setHeadToBranch(ctx, "main"); err != nil {
		t.Fatalf("setHeadToBranch: %v", err)
	}
	return repo, commit
}

func TestCreateCommitIsDeterministicallyHashed(t *testing.T) {
	c1, err := CreateCommit(CommitMeta{Author: "a", Message: "m", Tree: types.Tree{}}, 42)
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	c2, err := CreateCommit(CommitMeta{Author: "a", Message: "m", Tree: types.Tree{}}, 42)
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if c1.Hash != c2.Hash {
		t.Fatalf("expected identical commit content to hash identically, got %s vs %s", c1.Hash, c2.Hash)
	}
	c3, _ := CreateCommit(CommitMeta{Author: "a", Message: "different", Tree: types.Tree{}}, 42)
	if c1.Hash == c3.Hash {
		t.Fatalf("expected different commit content to hash differently")
	}
}

func TestLoadCommitVerifiesHash(t *testing.T) {
	ctx := context.Background()
	repo, commit := newRepoWithMain(t)
	loaded, err := repo.LoadCommit(ctx, commit.Hash)
	if err != nil {
		t.Fatalf("LoadCommit: %v", err)
	}
	if loaded.Message != commit.Message {
		t.Fatalf("expected loaded commit to match, got %+v", loaded)
	}
}

func TestBranchCreateExistsListCurrent(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepoWithMain(t)

	if err := repo.Create(ctx, "feature", CreateBranchOptions{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	exists, err := repo.Exists(ctx, "feature")
	if err != nil || !exists {
		t.Fatalf("expected feature branch to exist, err=%v", err)
	}

	if err := repo.Create(ctx, "feature", CreateBranchOptions{}); !dberr.Is(err, dberr.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}

	branches, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(branches) != 2 {
		t.Fatalf("expected 2 branches, got %v", branches)
	}

	current, err := repo.Current(ctx)
	if err != nil || current != "main" {
		t.Fatalf("expected current branch main, got %q err=%v", current, err)
	}
}

func TestDeleteRefusesCurrentBranchWithoutForce(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepoWithMain(t)

	if err := repo.Delete(ctx, "main", false); !dberr.Is(err, dberr.Validation) {
		t.Fatalf("expected Validation error deleting current branch, got %v", err)
	}
	if err := repo.Create(ctx, "feature", CreateBranchOptions{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Delete(ctx, "feature", false); err != nil {
		t.Fatalf("Delete non-current branch: %v", err)
	}
}

func TestRenameUpdatesHeadWhenCurrent(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepoWithMain(t)

	if err := repo.Rename(ctx, "main", "trunk"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	current, err := repo.Current(ctx)
	if err != nil || current != "trunk" {
		t.Fatalf("expected HEAD to follow rename to trunk, got %q err=%v", current, err)
	}
	if exists, _ := repo.Exists(ctx, "main"); exists {
		t.Fatalf("expected old branch name removed")
	}
}

func TestCheckoutRefusesDirtyWorkingTreeWithoutForce(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepoWithMain(t)
	if err := repo.Create(ctx, "feature", CreateBranchOptions{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dirty := func(ctx context.Context) (bool, error) { return true, nil }
	err := repo.Checkout(ctx, "feature", CheckoutOptions{HasUncommittedChanges: dirty}, false)
	if !dberr.Is(err, dberr.Validation) {
		t.Fatalf("expected Validation error for dirty tree, got %v", err)
	}
	if err := repo.Checkout(ctx, "feature", CheckoutOptions{HasUncommittedChanges: dirty}, true); err != nil {
		t.Fatalf("expected force checkout to succeed, got %v", err)
	}
}

func TestInitCreatesHeadOnceAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	repo := New(backend)

	if err := repo.Init(ctx, "main"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	current, err := repo.Current(ctx)
	if err != nil || current != "main" {
		t.Fatalf("expected HEAD to point at main before any commit, got %q err=%v", current, err)
	}

	if err := repo.writeRef(ctx, "main", "deadbeef"); err != nil {
		t.Fatalf("writeRef: %v", err)
	}
	if err := repo.Init(ctx, "other"); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	current, err = repo.Current(ctx)
	if err != nil || current != "main" {
		t.Fatalf("expected second Init to be a no-op, got %q err=%v", current, err)
	}
}

func TestUpdateBranchCreatesOrAdvancesRef(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepoWithMain(t)

	if err := repo.UpdateBranch(ctx, "main", "newhash"); err != nil {
		t.Fatalf("UpdateBranch: %v", err)
	}
	hash, err := repo.HeadCommitHash(ctx)
	if err != nil || hash != "newhash" {
		t.Fatalf("expected main to advance to newhash, got %q err=%v", hash, err)
	}

	if err := repo.UpdateBranch(ctx, "feature", "firsthash"); err != nil {
		t.Fatalf("UpdateBranch on new branch: %v", err)
	}
	exists, err := repo.Exists(ctx, "feature")
	if err != nil || !exists {
		t.Fatalf("expected UpdateBranch to create the ref, exists=%v err=%v", exists, err)
	}
}

func TestInvalidBranchNamesRejected(t *testing.T) {
	cases := []string{"", "has space", "/leading", "trailing/", "double//slash"}
	for _, name := range cases {
		if err := ValidateBranchName(name); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}

func TestResolveBranchHashMatchesHeadCommitHashForCurrentBranch(t *testing.T) {
	ctx := context.Background()
	repo, commit := newRepoWithMain(t)

	hash, err := repo.ResolveBranchHash(ctx, "main")
	if err != nil {
		t.Fatalf("ResolveBranchHash: %v", err)
	}
	if hash != commit.Hash {
		t.Fatalf("expected %q, got %q", commit.Hash, hash)
	}

	if err := repo.Create(ctx, "feature", CreateBranchOptions{From: "main"}); err != nil {
		t.Fatalf("Create feature branch: %v", err)
	}
	if err := repo.UpdateBranch(ctx, "feature", "featurehash"); err != nil {
		t.Fatalf("UpdateBranch feature: %v", err)
	}

	featureHash, err := repo.ResolveBranchHash(ctx, "feature")
	if err != nil {
		t.Fatalf("ResolveBranchHash feature: %v", err)
	}
	if featureHash != "featurehash" {
		t.Fatalf("expected featurehash, got %q", featureHash)
	}

	mainHash, err := repo.ResolveBranchHash(ctx, "main")
	if err != nil {
		t.Fatalf("ResolveBranchHash main unaffected: %v", err)
	}
	if mainHash != commit.Hash {
		t.Fatalf("expected main to remain at %q, got %q", commit.Hash, mainHash)
	}

	if _, err := repo.ResolveBranchHash(ctx, "missing"); err == nil {
		t.Fatalf("expected error resolving nonexistent branch")
	}
}
