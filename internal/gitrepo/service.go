// Package gitrepo is the repository collaborator: path-addressed reads and
// optimistic writes of documentation files, plus the commit-graph primitives
// the revert engine needs to rebuild a branch from a pre-merge tree.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	// ErrNotFound reports a missing repository, commit, or file.
	ErrNotFound = errors.New("gitrepo: not found")
	// ErrStaleVersion reports that the file changed after the caller read it;
	// the write is refused so the caller can re-read and decide.
	ErrStaleVersion = errors.New("gitrepo: file version changed since read")
)

// FileVersion is a file's content plus the optimistic-concurrency token
// (the blob hash) to supply on the next write.
type FileVersion struct {
	Content string
	Token   string
}

// CommitMeta describes a commit for callers that never touch go-git types.
type CommitMeta struct {
	ID        string
	Parents   []string
	TreeID    string
	Author    string
	Message   string
	CreatedAt time.Time
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureRepo initializes the repository with a baseline commit on branch if
// it does not exist yet. Existing repositories are left untouched.
func (s *Service) EnsureRepo(repoKey, branch, author string) error {
	lock := s.repoLock(repoKey)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(repoKey)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	readme := fmt.Sprintf("# %s\n", repoKey)
	if err := os.WriteFile(filepath.Join(path, "README.md"), []byte(readme), 0o644); err != nil {
		return fmt.Errorf("write baseline file: %w", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		return fmt.Errorf("git add baseline: %w", err)
	}
	hash, err := worktree.Commit("Initialize repository", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)); err != nil {
		return fmt.Errorf("set branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return fmt.Errorf("set HEAD: %w", err)
	}
	return nil
}

// ReadFile returns the file at path as of ref (a branch name or commit hash).
func (s *Service) ReadFile(repoKey, ref, path string) (FileVersion, error) {
	lock := s.repoLock(repoKey)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(repoKey))
	if err != nil {
		return FileVersion{}, fmt.Errorf("open repo: %w", err)
	}

	commitObj, err := s.commitAt(repo, ref)
	if err != nil {
		return FileVersion{}, err
	}
	file, err := commitObj.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return FileVersion{}, fmt.Errorf("%w: %s at %s", ErrNotFound, path, ref)
	}
	if err != nil {
		return FileVersion{}, fmt.Errorf("load %s: %w", path, err)
	}

	reader, err := file.Reader()
	if err != nil {
		return FileVersion{}, fmt.Errorf("open file reader: %w", err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return FileVersion{}, fmt.Errorf("read file bytes: %w", err)
	}

	return FileVersion{Content: string(content), Token: file.Hash.String()}, nil
}

// WriteFile commits new content for path on branch. When expectedToken is
// non-empty it must match the blob currently at path, otherwise the write is
// refused with ErrStaleVersion. Returns the commit id and the new token.
func (s *Service) WriteFile(repoKey, branch, path, content, expectedToken, author, message string) (string, string, error) {
	lock := s.repoLock(repoKey)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(repoKey))
	if err != nil {
		return "", "", fmt.Errorf("open repo: %w", err)
	}

	if expectedToken != "" {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
		if err != nil {
			return "", "", fmt.Errorf("resolve branch %s: %w", branch, err)
		}
		tip, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return "", "", fmt.Errorf("load branch tip: %w", err)
		}
		current, err := tip.File(path)
		if err == nil && current.Hash.String() != expectedToken {
			return "", "", ErrStaleVersion
		}
	}

	if err := checkoutBranch(repo, branch); err != nil {
		return "", "", err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", "", fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	full := filepath.Join(repoRoot, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", "", fmt.Errorf("create file dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := worktree.Add(path); err != nil {
		return "", "", fmt.Errorf("git add %s: %w", path, err)
	}

	// A revert rewrite can land content identical to the restored tree; the
	// write still gets its own commit so the ledger has something to cite.
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author:            signature(author),
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("commit %s: %w", path, err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return "", "", fmt.Errorf("read commit object: %w", err)
	}
	written, err := commitObj.File(path)
	if err != nil {
		return "", "", fmt.Errorf("read written file: %w", err)
	}
	return hash.String(), written.Hash.String(), nil
}

// GetCommit returns parents and tree for a commit id.
func (s *Service) GetCommit(repoKey, commitID string) (CommitMeta, error) {
	lock := s.repoLock(repoKey)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(repoKey))
	if err != nil {
		return CommitMeta{}, fmt.Errorf("open repo: %w", err)
	}
	return s.commitMeta(repo, commitID)
}

// CreateCommitFromTree writes a commit object pointing at an existing tree,
// with parentID as its sole parent. This is how a structural merge revert is
// built: the pre-merge tree under a fresh commit on top of the current tip.
func (s *Service) CreateCommitFromTree(repoKey, treeID, parentID, author, message string) (string, error) {
	lock := s.repoLock(repoKey)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(repoKey))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}

	treeHash := plumbing.NewHash(treeID)
	if _, err := repo.TreeObject(treeHash); err != nil {
		return "", fmt.Errorf("%w: tree %s", ErrNotFound, treeID)
	}

	sig := *signature(author)
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   message,
		TreeHash:  treeHash,
	}
	if parentID != "" {
		parentHash := plumbing.NewHash(parentID)
		if _, err := repo.CommitObject(parentHash); err != nil {
			return "", fmt.Errorf("%w: parent commit %s", ErrNotFound, parentID)
		}
		commit.ParentHashes = []plumbing.Hash{parentHash}
	}

	obj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", fmt.Errorf("encode commit: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("store commit: %w", err)
	}
	return hash.String(), nil
}

// UpdateBranchHead moves the branch ref to commitID and syncs the worktree.
func (s *Service) UpdateBranchHead(repoKey, branch, commitID string) error {
	lock := s.repoLock(repoKey)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(repoKey))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	hash := plumbing.NewHash(commitID)
	if _, err := repo.CommitObject(hash); err != nil {
		return fmt.Errorf("%w: commit %s", ErrNotFound, commitID)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)); err != nil {
		return fmt.Errorf("move branch ref: %w", err)
	}
	return checkoutBranch(repo, branch)
}

// BranchHead returns the commit id at the tip of branch.
func (s *Service) BranchHead(repoKey, branch string) (string, error) {
	lock := s.repoLock(repoKey)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(repoKey))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", fmt.Errorf("%w: branch %s", ErrNotFound, branch)
	}
	if err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return ref.Hash().String(), nil
}

// History lists commits from the branch tip, newest first.
func (s *Service) History(repoKey, branch string, limit int) ([]CommitMeta, error) {
	lock := s.repoLock(repoKey)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(repoKey))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitMeta, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitMeta(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(repoKey string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(repoKey))
}

func (s *Service) repoLock(repoKey string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[repoKey]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[repoKey] = lock
	return lock
}

func (s *Service) commitAt(repo *git.Repository, ref string) (*object.Commit, error) {
	if branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true); err == nil {
		commitObj, err := repo.CommitObject(branchRef.Hash())
		if err != nil {
			return nil, fmt.Errorf("load branch commit: %w", err)
		}
		return commitObj, nil
	}

	hash, err := resolveHash(repo, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: ref %s", ErrNotFound, ref)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: commit %s", ErrNotFound, ref)
	}
	return commitObj, nil
}

func (s *Service) commitMeta(repo *git.Repository, commitID string) (CommitMeta, error) {
	hash, err := resolveHash(repo, commitID)
	if err != nil {
		return CommitMeta{}, fmt.Errorf("%w: commit %s", ErrNotFound, commitID)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitMeta{}, fmt.Errorf("%w: commit %s", ErrNotFound, commitID)
	}
	return toCommitMeta(commitObj), nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func toCommitMeta(commitObj *object.Commit) CommitMeta {
	parents := make([]string, 0, len(commitObj.ParentHashes))
	for _, parent := range commitObj.ParentHashes {
		parents = append(parents, parent.String())
	}
	return CommitMeta{
		ID:        commitObj.Hash.String(),
		Parents:   parents,
		TreeID:    commitObj.TreeHash.String(),
		Author:    commitObj.Author.Name,
		Message:   commitObj.Message,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@bots.scrivener.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "bot"
	}
	return strings.ToLower(string(runes))
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
