package vstore

import (
	"net/url"
	"strings"
)

// User metadata keys stored alongside every descriptor version.
const (
	MetaAuthor      = "author"
	MetaAuthorLogin = "author-login"
	MetaAuthorName  = "author-name"
)

// EncodeAuthor renders author info as S3 user metadata. Values are query-escaped
// because S3 metadata must be ASCII.
func EncodeAuthor(a AuthorInfo) map[string]string {
	return map[string]string{
		MetaAuthor:      url.QueryEscape(a.Author),
		MetaAuthorLogin: url.QueryEscape(a.AuthorLogin),
		MetaAuthorName:  url.QueryEscape(a.AuthorName),
	}
}

// DecodeAuthor reads author info from S3 user metadata. Key lookup is case
// insensitive; missing keys decode as empty strings.
func DecodeAuthor(meta map[string]string) AuthorInfo {
	get := func(key string) string {
		v, ok := meta[key]
		if !ok {
			for k, val := range meta {
				if strings.EqualFold(k, key) {
					v, ok = val, true
					break
				}
			}
		}
		if !ok {
			return ""
		}
		if unescaped, err := url.QueryUnescape(v); err == nil {
			return unescaped
		}
		return v
	}
	return AuthorInfo{
		Author:      get(MetaAuthor),
		AuthorLogin: get(MetaAuthorLogin),
		AuthorName:  get(MetaAuthorName),
	}
}
