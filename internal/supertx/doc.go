// Package supertx assembles built instructions into a supertransaction, an
// ordered batch executed atomically by a MEE node, and prices it through a
// quoting service.
package supertx
