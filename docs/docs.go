package docs

import "github.com/swaggo/swag"

const docTemplate = `{
  "swagger": "2.0",
  "info": {
    "title": "Issue Routing Engine",
    "description": "Categorizes gym group issues and routes them to response channels with escalation",
    "version": "1.0"
  },
  "basePath": "/",
  "tags": [
    {"name": "messages"},
    {"name": "config"},
    {"name": "dispatches"},
    {"name": "events"},
    {"name": "debug"}
  ],
  "paths": {}
}`

func init() {
	swag.Register(swag.Name, &s{})
}

type s struct{}

func (s *s) ReadDoc() string {
	return docTemplate
}
