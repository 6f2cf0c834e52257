package clouddirectory

import (
	"github.com/prismhq/prism/pkg/source/core"
	"github.com/prismhq/prism/pkg/source/registry"
)

func init() {
	if err := registry.Register(core.KindCloudDirectory, NewConnector, NewCompiler); err != nil {
		panic("failed to register clouddirectory source: " + err.Error())
	}
}
