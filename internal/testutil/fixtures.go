package testutil

import (
	"time"

	"github.com/jacentio/strata/orm"
)

// Library is a small registry of related entities used across tests.
type Library struct {
	Registry  *orm.Registry
	Publisher *orm.Entity
	Author    *orm.Entity
	Book      *orm.Entity
	Tag       *orm.Entity
}

// NewLibrary declares fresh Publisher, Author, Book and Tag entities. Fields
// bind to one entity, so every test gets its own declarations.
func NewLibrary(opts ...orm.RegistryOption) *Library {
	publisher := orm.Define("Publisher", func(e *orm.Entity) []*orm.Field {
		return []*orm.Field{
			orm.String("name", orm.Unique()),
			orm.String("country", orm.Nullable()),
		}
	})
	author := orm.Define("Author", func(e *orm.Entity) []*orm.Field {
		return []*orm.Field{
			orm.String("name", orm.MaxLength(100), orm.Indexed()),
			orm.String("email", orm.Unique(), orm.Nullable()),
			orm.Date("born", orm.Nullable()),
			orm.ForeignKey("publisher", "Publisher", orm.Nullable(), orm.RelatedName("authors")),
			orm.ForeignKey("mentor", "Author", orm.Nullable(), orm.RelatedName("mentees")),
		}
	})
	book := orm.Define("Book", func(e *orm.Entity) []*orm.Field {
		return []*orm.Field{
			orm.String("title", orm.Indexed()),
			orm.Int("pages", orm.Nullable()),
			orm.Float("rating", orm.Nullable()),
			orm.Bool("in_print", orm.Default(true)),
			orm.JSON("meta", orm.Nullable()),
			orm.DateTime("published_at", orm.Nullable()),
			orm.DateTime("created_at", orm.AutoNowAdd()),
			orm.DateTime("updated_at", orm.AutoNow()),
			orm.ForeignKey("author", "Author", orm.RelatedName("books"), orm.Indexed()),
			orm.ManyToMany("tags", "Tag", orm.Nullable()),
		}
	}, orm.WithIndex(orm.Index{Name: "book_author_title", Fields: []string{"author", "title"}}))
	tag := orm.Define("Tag", func(e *orm.Entity) []*orm.Field {
		return []*orm.Field{
			orm.String("label", orm.Unique()),
		}
	})

	reg := orm.NewRegistry(opts...)
	reg.MustRegister(publisher, author, book, tag)
	return &Library{Registry: reg, Publisher: publisher, Author: author, Book: book, Tag: tag}
}

// FixedClock returns a clock that always reports t.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
