// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package modelregistry resolves model references to verified local
// checkpoint files: named catalog downloads, HuggingFace pulls, sha256
// digest verification with a single automatic re-fetch, and local
// manifests.
package modelregistry

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// CatalogEntry is a named checkpoint with a download URL whose second-to-last
// path segment is the file's sha256 digest.
type CatalogEntry struct {
	Name string
	URL  string
}

// catalog is the table of published CLIP checkpoints.
var catalog = map[string]string{
	"RN50":           "https://openaipublic.azureedge.net/clip/models/afeb0e10f9e5a86da6080e35cf09123aca3b358a0c3e3b6c78a7b63bc04b6762/RN50.pt",
	"RN101":          "https://openaipublic.azureedge.net/clip/models/8fa8567bab74a42d41c5915025a8e4538c3bdbe8804a470a72f30b0d94fab599/RN101.pt",
	"RN50x4":         "https://openaipublic.azureedge.net/clip/models/7e526bd135e493cef0776de27d5f42653e6b4c8bf9e0f653bb11773263205fdd/RN50x4.pt",
	"RN50x16":        "https://openaipublic.azureedge.net/clip/models/52378b407f34354e150460fe41077663dd5b39c54cd0bfd2b27167a4a06ec9aa/RN50x16.pt",
	"RN50x64":        "https://openaipublic.azureedge.net/clip/models/be1cfb55d75a9666199fb2206c106743da0f6468c9d327f3e0d0a543a9919d9c/RN50x64.pt",
	"ViT-B/32":       "https://openaipublic.azureedge.net/clip/models/40d365715913c9da98579312b702a82c18be219cc2a73407c4526f58eba950af/ViT-B-32.pt",
	"ViT-B/16":       "https://openaipublic.azureedge.net/clip/models/5806e77cd80f8b59890b7e101eabd078d9fb84e6937f9e85e4ecb61988df416f/ViT-B-16.pt",
	"ViT-L/14":       "https://openaipublic.azureedge.net/clip/models/b8cca3fd41ae0c99ba7e8951adf17d267cdb84cd88be6f7c2e0eca1737a03836/ViT-L-14.pt",
	"ViT-L/14@336px": "https://openaipublic.azureedge.net/clip/models/3035c92b350959924f9f00213499208652fc7ea050643e8b385c2dac08641f02/ViT-L-14-336px.pt",
}

// AvailableModels returns the catalog names in sorted order.
func AvailableModels() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupCatalog returns the catalog entry for a named checkpoint.
func LookupCatalog(name string) (CatalogEntry, error) {
	u, ok := catalog[name]
	if !ok {
		return CatalogEntry{}, fmt.Errorf("model %q not found; available models: %s",
			name, strings.Join(AvailableModels(), ", "))
	}
	return CatalogEntry{Name: name, URL: u}, nil
}

// Digest returns the "sha256:..." digest embedded in the entry URL.
func (e CatalogEntry) Digest() (string, error) {
	u, err := url.Parse(e.URL)
	if err != nil {
		return "", fmt.Errorf("parsing catalog URL: %w", err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 {
		return "", fmt.Errorf("catalog URL %q has no digest segment", e.URL)
	}
	digest := segments[len(segments)-2]
	if len(digest) != 64 {
		return "", fmt.Errorf("catalog URL %q digest segment %q is not a sha256 hex digest", e.URL, digest)
	}
	return "sha256:" + digest, nil
}

// Filename returns the checkpoint filename from the entry URL.
func (e CatalogEntry) Filename() string {
	return path.Base(e.URL)
}
