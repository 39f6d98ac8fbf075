// Package orm describes data shapes once and queries them through
// interchangeable storage backends.
//
// # Entities
//
// An Entity is declared with Define. Fields are declared in a function that
// runs on first access, so a field may refer to its own entity:
//
//	var Author = orm.Define("Author", func(e *orm.Entity) []*orm.Field {
//		return []*orm.Field{
//			orm.String("name", orm.MaxLength(100), orm.Unique()),
//		}
//	})
//
//	var Book = orm.Define("Book", func(e *orm.Entity) []*orm.Field {
//		return []*orm.Field{
//			orm.String("title", orm.Indexed()),
//			orm.ForeignKey("author", "Author", orm.RelatedName("books")),
//			orm.DateTime("created_at", orm.AutoNowAdd()),
//		}
//	}, orm.WithOrdering("-created_at"))
//
// Entities are registered in a Registry, which resolves foreign key
// targets and reverse relations:
//
//	reg := orm.NewRegistry()
//	reg.MustRegister(Author, Book)
//
// # Queries
//
// A Manager binds an entity to a Backend. QuerySets are immutable and lazy;
// filter keys use "__" to traverse foreign keys and to select a lookup:
//
//	books := Book.Objects(db)
//	qs := books.Filter(orm.Lookups{"author__name__icontains": "le guin"}).
//		Exclude(orm.Lookups{"title__startswith": "The"}).
//		OrderBy("-created_at").
//		Limit(10)
//	results, err := qs.Fetch(ctx)
//
// After Fetch, Filter and Exclude on the same QuerySet evaluate in memory
// with the same semantics the backends apply, including NULL handling.
//
// Reverse relations are explicit:
//
//	related, ok := author.RelatedManager("books")
//
// # Errors
//
// Operations return the sentinel errors of this package, wrapped with
// detail. Use errors.Is to test for them:
//
//	_, err := books.Get(ctx, orm.Lookups{"pk": 42})
//	if errors.Is(err, orm.ErrDoesNotExist) {
//		// ...
//	}
package orm
