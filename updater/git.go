package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
)

// GitReader reads one file of a remote repository. revision identifies the
// commit the content was read from.
type GitReader interface {
	ReadFile(ctx context.Context, remote, name string) (data []byte, revision string, err error)
}

// GitSource keeps bare clones of feed repositories under Dir.
type GitSource struct {
	Dir string
}

func isGitRemote(url string) bool {
	return strings.HasSuffix(url, ".git") || strings.HasPrefix(url, "git@")
}

func (g GitSource) ReadFile(ctx context.Context, remote, name string) ([]byte, string, error) {
	path := filepath.Join(g.Dir, strings.TrimSuffix(filepath.Base(remote), ".git")+".git")

	repo, err := getRepo(ctx, remote, path)
	if err != nil {
		return nil, "", fmt.Errorf("could not open repository %s: %w", remote, err)
	}
	if err := updateRepo(ctx, repo); err != nil {
		return nil, "", fmt.Errorf("could not update repository %s: %w", remote, err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, "", fmt.Errorf("could not read HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, "", fmt.Errorf("could not read commit object: %w", err)
	}
	file, err := commit.File(name)
	if err != nil {
		return nil, "", fmt.Errorf("could not find %s in %s: %w", name, remote, err)
	}

	reader, err := file.Reader()
	if err != nil {
		return nil, "", fmt.Errorf("could not create reader for blob: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("could not read %s: %w", name, err)
	}
	return data, head.Hash().String(), nil
}

func getRepo(ctx context.Context, remote, path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}

	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, err
	}

	return git.PlainCloneContext(ctx, path, true, &git.CloneOptions{
		URL: remote,
	})
}

func updateRepo(ctx context.Context, repo *git.Repository) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []config.RefSpec{config.RefSpec("+refs/heads/*:refs/heads/*")},
	})

	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}
