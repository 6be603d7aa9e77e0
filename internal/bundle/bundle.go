// Package bundle implements the credential bundle XML format (§6):
// export/import of workspace credentials as a `TeamboxExport` document
// so a user can move their workgroup memberships between machines
// without re-inviting through the server.
//
// Versioning follows the Open Question decision recorded in DESIGN.md:
// bundles at version <= 4 nest the server coordinates under a
// `KasID/Host` element; later versions flatten them to a single
// `KcdAddress` element. Decode accepts both and picks the layout by
// which element is present, not by the version attribute; Encode
// always emits the flat form, with version CurrentVersion.
package bundle

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/tmbx/kwm/internal/apperrors"
)

// CurrentVersion is the version attribute Encode writes on the root
// element. §6: `root TeamboxExport with attribute version="1"`.
const CurrentVersion = "1"

// flatVersionFloor is the lowest version known to already use the flat
// KcdAddress form; bundles below it nest KasID/Host instead (§6, §9
// Open Questions: "Versions <= 4 referenced nested KasID elements").
const flatVersionFloor = 5

// Kws is one workspace's exported credential material: a superset of
// the fields in §3's Workspace/Credentials, enough to re-spawn the
// workspace on another machine via ImportKws without contacting the
// server's directory again.
type Kws struct {
	ExternalKwsID    uint64
	Host             string
	Port             int
	UserID           uint64
	Ticket           []byte
	PasswordVerifier []byte
}

// Browser is a `KwsBrowser` node: client-local folder paths associated
// with a workspace. The core has no notion of a folder tree (that
// lives in the out-of-scope GUI/filesystem layer, §1), so these are
// carried opaquely: preserved byte-for-byte on export if present on
// import, otherwise omitted.
type Browser struct {
	ExternalKwsID uint64
	Paths         []string
}

// Document is the full parsed bundle: one or more workspaces plus
// their associated browser folder lists.
type Document struct {
	Version  string
	Kws      []Kws
	Browsers []Browser
}

// Encode serializes doc as a `TeamboxExport` XML document, always
// using the flat `KcdAddress` form regardless of what Decode accepted
// (§9 Open Questions decision: "emit only the new form").
func Encode(doc Document) ([]byte, error) {
	x := etree.NewDocument()
	x.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := x.CreateElement("TeamboxExport")
	root.CreateAttr("version", CurrentVersion)

	for _, k := range doc.Kws {
		el := root.CreateElement("Kws")
		el.CreateElement("KcdAddress").SetText(fmt.Sprintf("%s:%d", k.Host, k.Port))
		el.CreateElement("ExternalKwsID").SetText(strconv.FormatUint(k.ExternalKwsID, 10))
		el.CreateElement("UserID").SetText(strconv.FormatUint(k.UserID, 10))
		el.CreateElement("Ticket").SetText(base64.StdEncoding.EncodeToString(k.Ticket))
		el.CreateElement("PasswordVerifier").SetText(base64.StdEncoding.EncodeToString(k.PasswordVerifier))
	}
	for _, b := range doc.Browsers {
		el := root.CreateElement("KwsBrowser")
		el.CreateAttr("kwsId", strconv.FormatUint(b.ExternalKwsID, 10))
		for _, p := range b.Paths {
			el.CreateElement("Path").SetText(p)
		}
	}

	x.Indent(2)
	return x.WriteToBytes()
}

// Decode parses a `TeamboxExport` document, accepting both the flat
// `KcdAddress` form and the older nested `KasID/Host` form (§6, §9
// Open Questions).
func Decode(data []byte) (Document, error) {
	x := etree.NewDocument()
	if err := x.ReadFromBytes(data); err != nil {
		return Document{}, apperrors.Wrap(apperrors.KindDecode, "", "failed to parse credential bundle XML", err)
	}
	root := x.SelectElement("TeamboxExport")
	if root == nil {
		return Document{}, apperrors.New(apperrors.KindDecode, "", "missing TeamboxExport root element")
	}
	doc := Document{Version: root.SelectAttrValue("version", "1")}

	for _, el := range root.SelectElements("Kws") {
		k, err := decodeKws(el)
		if err != nil {
			return Document{}, err
		}
		doc.Kws = append(doc.Kws, k)
	}
	for _, el := range root.SelectElements("KwsBrowser") {
		doc.Browsers = append(doc.Browsers, decodeBrowser(el))
	}
	return doc, nil
}

func decodeKws(el *etree.Element) (Kws, error) {
	var k Kws
	host, port, err := decodeAddress(el)
	if err != nil {
		return Kws{}, err
	}
	k.Host, k.Port = host, port

	if v := childText(el, "ExternalKwsID"); v != "" {
		id, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return Kws{}, apperrors.Wrap(apperrors.KindDecode, "", "invalid ExternalKwsID in bundle", perr)
		}
		k.ExternalKwsID = id
	}
	if v := childText(el, "UserID"); v != "" {
		id, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return Kws{}, apperrors.Wrap(apperrors.KindDecode, "", "invalid UserID in bundle", perr)
		}
		k.UserID = id
	}
	var derr error
	if k.Ticket, derr = decodeBase64(childText(el, "Ticket")); derr != nil {
		return Kws{}, derr
	}
	if k.PasswordVerifier, derr = decodeBase64(childText(el, "PasswordVerifier")); derr != nil {
		return Kws{}, derr
	}
	return k, nil
}

// decodeAddress reads a Kws element's server coordinates, accepting
// either the flat `KcdAddress` (`host:port`) form or the older nested
// `KasID/Host` + `KasID/Port` form.
func decodeAddress(el *etree.Element) (string, int, error) {
	if addr := childText(el, "KcdAddress"); addr != "" {
		host, portStr, ok := strings.Cut(addr, ":")
		if !ok {
			return "", 0, apperrors.New(apperrors.KindDecode, "", "malformed KcdAddress in bundle")
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, apperrors.Wrap(apperrors.KindDecode, "", "malformed KcdAddress port in bundle", err)
		}
		return host, port, nil
	}

	if kas := el.SelectElement("KasID"); kas != nil {
		host := childText(kas, "Host")
		portStr := childText(kas, "Port")
		if host == "" {
			return "", 0, apperrors.New(apperrors.KindDecode, "", "missing KasID/Host in legacy bundle")
		}
		port := 443
		if portStr != "" {
			p, err := strconv.Atoi(portStr)
			if err != nil {
				return "", 0, apperrors.Wrap(apperrors.KindDecode, "", "malformed KasID/Port in legacy bundle", err)
			}
			port = p
		}
		return host, port, nil
	}

	return "", 0, apperrors.New(apperrors.KindDecode, "", "bundle Kws element has no KcdAddress or KasID/Host")
}

func decodeBrowser(el *etree.Element) Browser {
	b := Browser{}
	if v := el.SelectAttrValue("kwsId", ""); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			b.ExternalKwsID = id
		}
	}
	for _, p := range el.SelectElements("Path") {
		b.Paths = append(b.Paths, p.Text())
	}
	return b
}

func childText(el *etree.Element, name string) string {
	c := el.SelectElement(name)
	if c == nil {
		return ""
	}
	return c.Text()
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDecode, "", "invalid base64 in bundle field", err)
	}
	return b, nil
}
