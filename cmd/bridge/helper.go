package main

import (
	"io/ioutil"

	"github.com/mewkiz/pkg/osutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// parseYAML parses the given YAML file and stores the result into v. A missing
// file leaves v unchanged.
func parseYAML(yamlPath string, v interface{}) error {
	if !osutil.Exists(yamlPath) {
		warn.Printf("unable to locate YAML file %q", yamlPath)
		return nil
	}
	dbg.Printf("parseYAML(yamlPath = %q, v = %T)", yamlPath, v)
	buf, err := ioutil.ReadFile(yamlPath)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := yaml.Unmarshal(buf, v); err != nil {
		return errors.Wrapf(err, "unable to parse YAML file %q", yamlPath)
	}
	return nil
}
