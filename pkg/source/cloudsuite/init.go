package cloudsuite

import (
	"github.com/prismhq/prism/pkg/source/core"
	"github.com/prismhq/prism/pkg/source/registry"
)

func init() {
	if err := registry.Register(core.KindCloudSuite, NewConnector, NewCompiler); err != nil {
		panic("failed to register cloudsuite source: " + err.Error())
	}
}
