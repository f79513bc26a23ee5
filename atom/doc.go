// Package atom reads the XML the ACS management service speaks: Atom feeds
// and entries whose content carries Data Services typed properties
// (m:properties), and the error envelope returned on failures.
//
// Documents are parsed per call with antchfx/xmlquery; nothing is cached or
// shared between calls. XPath expressions are compiled with antchfx/xpath and
// evaluated lazily:
//
//	doc, err := atom.Parse(body)
//	if err != nil {
//	    return err
//	}
//	if svcErr := atom.CheckForError(doc); svcErr != nil {
//	    return svcErr
//	}
//	for i, entry := range atom.Entries(doc) {
//	    fmt.Println(i, entry.ID, entry.Properties["Name"])
//	}
package atom
