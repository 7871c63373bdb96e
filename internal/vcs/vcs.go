// Package vcs implements commits, refs, and branches (§4.I): content-
// addressed commit objects, symbolic HEAD, and branch create/delete/
// rename/checkout/list operations layered over internal/storage and
// internal/objects. Grounded on the teacher's internal/sync/branch.go,
// which already manages named sync branches with a current-pointer file;
// this generalizes that into full commit-graph refs.
package vcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/leonletto/ledgerdb/internal/dberr"
	"github.com/leonletto/ledgerdb/internal/storage"
	"github.com/leonletto/ledgerdb/internal/types"
)

// Repo provides commit/ref/branch operations over a single storage root.
type Repo struct {
	backend storage.Backend
}

// New returns a Repo over backend.
func New(backend storage.Backend) *Repo {
	return &Repo{backend: backend}
}

// CommitMeta is the caller-supplied portion of a new commit.
type CommitMeta struct {
	Parents []string
	Author  string
	Message string
	Tree    types.Tree
}

// canonicalCommit is the subset of Commit hashed to produce its address —
// hash itself is excluded since it is derived, not input.
type canonicalCommit struct {
	Parents   []string   `json:"parents"`
	Author    string     `json:"author"`
	Message   string     `json:"message"`
	Timestamp int64      `json:"timestamp"`
	Tree      types.Tree `json:"tree"`
}

// CreateCommit computes the content hash for meta at the given timestamp
// (caller-supplied so hashing stays deterministic and testable) and
// returns the populated Commit, unsaved.
func CreateCommit(meta CommitMeta, timestamp int64) (types.Commit, error) {
	parents := meta.Parents
	if parents == nil {
		parents = []string{}
	}
	canon := canonicalCommit{Parents: parents, Author: meta.Author, Message: meta.Message, Timestamp: timestamp, Tree: meta.Tree}
	data, err := json.Marshal(canon)
	if err != nil {
		return types.Commit{}, fmt.Errorf("vcs: marshal commit: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	return types.Commit{Hash: hash, Parents: parents, Author: meta.Author, Message: meta.Message, Timestamp: timestamp, Tree: meta.Tree}, nil
}

func commitPath(hash string) string {
	return fmt.Sprintf("_meta/commits/%s.json", hash)
}

// SaveCommit persists commit at its content address. Writing the same
// commit twice is a harmless no-op (commits are immutable).
func (r *Repo) SaveCommit(ctx context.Context, commit types.Commit) error {
	data, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("vcs: marshal commit %s: %w", commit.Hash, err)
	}
	return r.backend.WriteAtomic(ctx, commitPath(commit.Hash), data)
}

// LoadCommit reads and verifies the commit at hash, recomputing its
// address from its contents.
func (r *Repo) LoadCommit(ctx context.Context, hash string) (types.Commit, error) {
	data, err := r.backend.Read(ctx, commitPath(hash))
	if err != nil {
		return types.Commit{}, err
	}
	var commit types.Commit
	if err := json.Unmarshal(data, &commit); err != nil {
		return types.Commit{}, fmt.Errorf("vcs: corrupt commit %s: %w", hash, err)
	}
	recomputed, err := CreateCommit(CommitMeta{Parents: commit.Parents, Author: commit.Author, Message: commit.Message, Tree: commit.Tree}, commit.Timestamp)
	if err != nil {
		return types.Commit{}, err
	}
	if recomputed.Hash != hash {
		return types.Commit{}, dberr.New(dberr.Validation, "loadCommit", fmt.Sprintf("commit %s hash mismatch", hash))
	}
	return commit, nil
}

func refPath(branch string) string {
	return fmt.Sprintf("refs/heads/%s", branch)
}

const headPath = "HEAD"

// ValidateBranchName enforces §4.I's naming rule: nonempty, no whitespace,
// no leading/trailing '/', no '//', no control characters.
func ValidateBranchName(name string) error {
	if name == "" {
		return dberr.New(dberr.Validation, "validateBranchName", "branch name must not be empty")
	}
	if strings.TrimSpace(name) != name || strings.ContainsAny(name, " \t\n\r") {
		return dberr.New(dberr.Validation, "validateBranchName", "branch name must not contain whitespace")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return dberr.New(dberr.Validation, "validateBranchName", "branch name must not have leading/trailing '/'")
	}
	if strings.Contains(name, "//") {
		return dberr.New(dberr.Validation, "validateBranchName", "branch name must not contain '//'")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return dberr.New(dberr.Validation, "validateBranchName", "branch name must not contain control characters")
		}
	}
	return nil
}

// Exists reports whether branch has a ref file.
func (r *Repo) Exists(ctx context.Context, branch string) (bool, error) {
	return r.backend.Exists(ctx, refPath(branch))
}

// resolveRef reads refs/heads/<branch>, trimmed of its trailing newline.
func (r *Repo) resolveRef(ctx context.Context, branch string) (string, error) {
	data, err := r.backend.Read(ctx, refPath(branch))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *Repo) writeRef(ctx context.Context, branch, hash string) error {
	return r.backend.WriteAtomic(ctx, refPath(branch), []byte(hash+"\n"))
}

// Head returns the current HEAD state: either a symbolic branch ref or a
// detached commit hash.
func (r *Repo) Head(ctx context.Context) (types.HEAD, error) {
	data, err := r.backend.Read(ctx, headPath)
	if err != nil {
		if dberr.Is(err, dberr.NotFound) {
			return types.HEAD{}, dberr.New(dberr.NotFound, "head", headPath)
		}
		return types.HEAD{}, err
	}
	line := strings.TrimSpace(string(data))
	if strings.HasPrefix(line, "ref: ") {
		return types.HEAD{Type: "branch", Ref: strings.TrimPrefix(line, "ref: ")}, nil
	}
	return types.HEAD{Type: "detached", Hash: line}, nil
}

func (r *Repo) setHeadToBranch(ctx context.Context, branch string) error {
	return r.backend.WriteAtomic(ctx, headPath, []byte("ref: "+branch+"\n"))
}

func (r *Repo) setHeadDetached(ctx context.Context, hash string) error {
	return r.backend.WriteAtomic(ctx, headPath, []byte(hash+"\n"))
}

// Init ensures HEAD exists, pointing symbolically at defaultBranch if no
// HEAD file is present yet. Mirrors git's behavior of HEAD referencing a
// branch that has no commits (and thus no ref file) until the first
// commit creates it.
func (r *Repo) Init(ctx context.Context, defaultBranch string) error {
	_, err := r.Head(ctx)
	if err == nil {
		return nil
	}
	if !dberr.Is(err, dberr.NotFound) {
		return err
	}
	return r.setHeadToBranch(ctx, defaultBranch)
}

// UpdateBranch points branch's ref at hash, creating the ref file if this
// is the branch's first commit. Used by commit/merge to advance the
// current branch after a new commit is saved.
func (r *Repo) UpdateBranch(ctx context.Context, name, hash string) error {
	if err := ValidateBranchName(name); err != nil {
		return err
	}
	return r.writeRef(ctx, name, hash)
}

// ResolveBranchHash returns the commit hash branch currently points at.
func (r *Repo) ResolveBranchHash(ctx context.Context, branch string) (string, error) {
	return r.resolveRef(ctx, branch)
}

// HeadCommitHash resolves HEAD, following one level of branch indirection,
// to the commit hash it currently points at.
func (r *Repo) HeadCommitHash(ctx context.Context) (string, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return "", err
	}
	if head.Type == "detached" {
		return head.Hash, nil
	}
	return r.resolveRef(ctx, head.Ref)
}

// Current returns the name of the branch HEAD points at, or "" if
// detached.
func (r *Repo) Current(ctx context.Context) (string, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return "", err
	}
	if head.Type == "detached" {
		return "", nil
	}
	return head.Ref, nil
}

// List returns every branch name, sorted.
func (r *Repo) List(ctx context.Context) ([]string, error) {
	res, err := r.backend.List(ctx, "refs/heads/", storage.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.Files))
	for _, f := range res.Files {
		out = append(out, strings.TrimPrefix(f, "refs/heads/"))
	}
	sort.Strings(out)
	return out, nil
}

// CreateBranchOptions configures Create.
type CreateBranchOptions struct {
	From string // commit hash or branch name to base on; defaults to HEAD
}

// Create makes a new branch pointing at opts.From (or HEAD). Fails
// AlreadyExists if name is already a branch.
func (r *Repo) Create(ctx context.Context, name string, opts CreateBranchOptions) error {
	if err := ValidateBranchName(name); err != nil {
		return err
	}
	exists, err := r.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return dberr.New(dberr.AlreadyExists, "create", refPath(name))
	}

	base := opts.From
	if base == "" {
		base, err = r.HeadCommitHash(ctx)
		if err != nil {
			return err
		}
	} else if fromExists, ferr := r.Exists(ctx, base); ferr == nil && fromExists {
		base, err = r.resolveRef(ctx, base)
		if err != nil {
			return err
		}
	}
	return r.writeRef(ctx, name, base)
}

// Delete removes branch's ref. Fails with Validation if branch is the
// current branch, unless force is set.
func (r *Repo) Delete(ctx context.Context, name string, force bool) error {
	current, err := r.Current(ctx)
	if err != nil {
		return err
	}
	if current == name && !force {
		return dberr.New(dberr.Validation, "delete", fmt.Sprintf("%s is the current branch", name))
	}
	exists, err := r.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return dberr.New(dberr.NotFound, "delete", refPath(name))
	}
	return r.backend.Delete(ctx, refPath(name))
}

// Rename moves oldName's ref to newName, updating HEAD if it pointed at
// oldName.
func (r *Repo) Rename(ctx context.Context, oldName, newName string) error {
	if err := ValidateBranchName(newName); err != nil {
		return err
	}
	hash, err := r.resolveRef(ctx, oldName)
	if err != nil {
		return err
	}
	newExists, err := r.Exists(ctx, newName)
	if err != nil {
		return err
	}
	if newExists {
		return dberr.New(dberr.AlreadyExists, "rename", refPath(newName))
	}
	if err := r.writeRef(ctx, newName, hash); err != nil {
		return err
	}
	if err := r.backend.Delete(ctx, refPath(oldName)); err != nil {
		return err
	}
	current, err := r.Current(ctx)
	if err != nil {
		return err
	}
	if current == oldName {
		return r.setHeadToBranch(ctx, newName)
	}
	return nil
}

// CheckoutOptions configures Checkout.
type CheckoutOptions struct {
	Create                  bool
	From                    string
	HasUncommittedChanges   func(ctx context.Context) (bool, error)
}

// Checkout points HEAD at name, optionally creating it first. Without
// force the caller is expected to have already checked for uncommitted
// changes via opts.HasUncommittedChanges and refused; Checkout itself
// re-checks if the hook is supplied, returning Validation on dirty state.
func (r *Repo) Checkout(ctx context.Context, name string, opts CheckoutOptions, force bool) error {
	if opts.HasUncommittedChanges != nil && !force {
		dirty, err := opts.HasUncommittedChanges(ctx)
		if err != nil {
			return err
		}
		if dirty {
			return dberr.New(dberr.Validation, "checkout", "working tree has uncommitted changes")
		}
	}
	exists, err := r.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		if !opts.Create {
			return dberr.New(dberr.NotFound, "checkout", refPath(name))
		}
		if err := r.Create(ctx, name, CreateBranchOptions{From: opts.From}); err != nil {
			return err
		}
	}
	return r.setHeadToBranch(ctx, name)
}

// CheckoutDetached points HEAD directly at a commit hash, not a branch.
func (r *Repo) CheckoutDetached(ctx context.Context, hash string) error {
	return r.setHeadDetached(ctx, hash)
}
