// Package wit models component interface descriptors: packages,
// interfaces with typed functions, worlds with import/export items,
// and the component-model type universe with structural equality. It
// parses the textual dialect from sidecar files and recovers embedded
// descriptors from a component binary's custom section.
package wit
