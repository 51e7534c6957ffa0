package domain

import "github.com/establishment/storesync/internal/store"

var articleSchema = &store.Schema{Fields: map[string]store.FieldType{
	"name":     store.FieldString,
	"content":  store.FieldString,
	"authorId": store.FieldAny,
	"version":  store.FieldNumber,
}}

type Article struct {
	*store.Entity
	users *store.Store
}

func (a Article) Name() string    { return a.String("name") }
func (a Article) Content() string { return a.String("content") }

func (a Article) Version() int64 {
	v, _ := a.Int("version")
	return v
}

// Author resolves the author through the user store. It reports false while
// the author is not loaded.
func (a Article) Author() (User, bool) {
	id, ok := a.Ref("authorId")
	if !ok {
		return User{}, false
	}
	e, ok := a.users.Get(id)
	if !ok {
		return User{}, false
	}
	return User{e}, true
}

func (st *Stores) Article(id store.ID) (Article, bool) {
	e, ok := st.Articles.Get(id)
	if !ok {
		return Article{}, false
	}
	return Article{Entity: e, users: st.Users}, true
}

// ArticlesBy returns the articles of one author in creation order.
func (st *Stores) ArticlesBy(author store.ID) []Article {
	var out []Article
	for _, e := range st.Articles.All() {
		if id, ok := e.Ref("authorId"); ok && id == author {
			out = append(out, Article{Entity: e, users: st.Users})
		}
	}
	return out
}

// reduceEdit applies an edit: the given fields replace the current ones and
// the version moves forward. An explicit version older than the current one
// is ignored.
func reduceEdit(current, data store.Fields) (store.Fields, error) {
	next := int64(1)
	switch v := current["version"].(type) {
	case float64:
		next = int64(v) + 1
	case int64:
		next = v + 1
	case int:
		next = int64(v) + 1
	}
	out := store.Fields{}
	for k, v := range data {
		if k == "version" {
			continue
		}
		out[k] = v
	}
	switch v := data["version"].(type) {
	case float64:
		next = max(next, int64(v))
	case int64:
		next = max(next, v)
	case int:
		next = max(next, int64(v))
	}
	out["version"] = next
	return out, nil
}
