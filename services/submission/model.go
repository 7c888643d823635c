package submission

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"engagement-ledger/pkg/errutil"

	"github.com/gosimple/slug"
)

const DefaultCategory = "general"

type Submission struct {
	ContentID      string     `gorm:"column:content_id;primaryKey;size:32" json:"content_id"`
	ExternalPostID string     `gorm:"column:external_post_id;size:32" json:"external_post_id"`
	URL            string     `gorm:"column:url;size:512" json:"url,omitempty"`
	SubmitterID    string     `gorm:"column:submitter_id;size:64;index:idx_submitter_day" json:"submitter_id"`
	AuthorHandle   string     `gorm:"column:author_handle;size:64" json:"author_handle"`
	Tier           string     `gorm:"column:tier;size:32" json:"tier"`
	Category       string     `gorm:"column:category;size:64" json:"category"`
	QuotaDay       string     `gorm:"column:quota_day;size:10;index:idx_submitter_day" json:"quota_day"`
	SubmittedAt    time.Time  `gorm:"column:submitted_at;index" json:"submitted_at"`
	DedupeKey      string     `gorm:"column:dedupe_key;size:64;uniqueIndex" json:"-"`
	Withdrawn      bool       `gorm:"column:withdrawn;index" json:"withdrawn"`
	WithdrawnAt    *time.Time `gorm:"column:withdrawn_at" json:"withdrawn_at,omitempty"`
}

func (Submission) TableName() string { return "engagement_submissions" }

// Post is a parsed reference to an external post.
type Post struct {
	ID     string
	Author string
	URL    string
}

func (p Post) DedupeKey() string {
	return "post:" + p.ID
}

var (
	postIDPattern = regexp.MustCompile(`^[0-9]{1,32}$`)
	authorPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,50}$`)
)

// ParsePost accepts a bare post id or a post URL such as
// https://x.com/alice/status/123?s=20 and reduces it to the id after
// "status". The author handle is taken from the URL path when present.
func ParsePost(raw string) (Post, error) {
	raw = strings.TrimSpace(raw)
	invalid := errutil.Kind(errutil.ErrInvalidArgument, errutil.WithDetails(errutil.Detail{
		Field: "external_post_id", Message: "expected a post id or post URL",
	}))

	if postIDPattern.MatchString(raw) {
		return Post{ID: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Post{}, invalid
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 1; i < len(segments); i++ {
		if segments[i-1] != "status" || !postIDPattern.MatchString(segments[i]) {
			continue
		}
		post := Post{ID: segments[i], URL: raw}
		if i >= 2 && segments[i-2] != "web" && authorPattern.MatchString(segments[i-2]) {
			post.Author = strings.ToLower(segments[i-2])
		}
		return post, nil
	}
	if last := segments[len(segments)-1]; postIDPattern.MatchString(last) {
		return Post{ID: last, URL: raw}, nil
	}
	return Post{}, invalid
}

// NormalizeCategory slugs a free-form category.
func NormalizeCategory(category string) string {
	if c := slug.Make(category); c != "" {
		return c
	}
	return DefaultCategory
}
