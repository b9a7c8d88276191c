// Package gitinfo captures best-effort git metadata for build runs.
package gitinfo

import (
	"github.com/go-git/go-git/v5"
)

const shortHashLen = 12

// HeadCommit returns the short HEAD hash of the repository containing
// path, or an empty string when path is not inside a git work tree. Build
// orchestration never depends on the result; it only annotates run records.
func HeadCommit(path string) string {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	hash := head.Hash().String()
	if len(hash) > shortHashLen {
		hash = hash[:shortHashLen]
	}
	return hash
}
