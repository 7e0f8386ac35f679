package server

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/codefionn/hostlink/internal/protocol"
)

// BuildOpenAPI projects the domain descriptions into an OpenAPI 3 document.
// Each command becomes a POST operation under /api/commands so external
// tooling can discover the callable surface; parameter metadata rides along
// as the operation description.
func BuildOpenAPI(descs []protocol.DomainDescription) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "hostlink domain API",
			Description: "Commands exposed by the registered domains of this worker.",
			Version:     "1.0.0",
		},
		Paths: openapi3.NewPaths(),
	}

	for _, d := range descs {
		version := "unversioned"
		if d.Version != nil {
			version = fmt.Sprintf("%d.%d", d.Version.Major, d.Version.Minor)
		}

		for _, c := range d.Commands {
			op := &openapi3.Operation{
				OperationID: fmt.Sprintf("%s.%s", d.Domain, c.Name),
				Summary:     c.Description,
				Description: describeCommand(d.Domain, version, c),
				Tags:        []string{d.Domain},
				Responses:   openapi3.NewResponses(),
			}
			doc.Paths.Set(fmt.Sprintf("/api/commands/%s.%s", d.Domain, c.Name), &openapi3.PathItem{Post: op})
		}
	}

	return doc
}

func describeCommand(domainName, version string, c protocol.CommandDescription) string {
	kind := "synchronous"
	if c.IsAsync {
		kind = "asynchronous"
	}
	desc := fmt.Sprintf("%s command of domain %s (v%s).", kind, domainName, version)
	for _, p := range c.Parameters {
		desc += fmt.Sprintf("\nparameter %s: %s", p.Name, p.Type)
	}
	for _, ret := range c.Returns {
		desc += fmt.Sprintf("\nreturns %s: %s", ret.Name, ret.Type)
	}
	return desc
}
