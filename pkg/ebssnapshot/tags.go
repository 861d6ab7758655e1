package ebssnapshot

import (
	"fmt"
	"strings"
)

type TagPair struct {
	Key   string
	Value string
}

// "Env=prod;Team=infra" => [{Env prod} {Team infra}]
//
// Empty input means no tags at all - the snapshot request will then carry no
// tag specification. Values may contain "=" ("Conf=a=b" is the pair
// {Conf, a=b}).
func ParseTags(serialized string) ([]TagPair, error) {
	if serialized == "" {
		return nil, nil
	}

	tags := []TagPair{}

	for _, pair := range strings.Split(serialized, ";") {
		keyAndValue := strings.SplitN(pair, "=", 2)
		if len(keyAndValue) != 2 || keyAndValue[0] == "" {
			return nil, fmt.Errorf("tag not in name=value format: %q", pair)
		}

		tags = append(tags, TagPair{Key: keyAndValue[0], Value: keyAndValue[1]})
	}

	return tags, nil
}
