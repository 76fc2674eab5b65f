// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements TCG Storage Core Table operations

package table

import (
	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
)

// Base_Method_IsSupported probes whether the SP dispatches a method by
// reading the UID column of its MethodID row.
func Base_Method_IsSupported(s *core.Session, m uid.MethodID) bool {
	mc := method.NewMethodCall(uid.InvokingID(m), uid.OpalGet, s.MethodFlags)
	mc.StartList()
	mc.StartOptionalParameter(CellBlock_StartColumn, "startColumn")
	mc.UInt(Table_ColumnUID)
	mc.EndOptionalParameter()
	mc.StartOptionalParameter(CellBlock_EndColumn, "endColumn")
	mc.UInt(Table_ColumnUID)
	mc.EndOptionalParameter()
	mc.EndList()
	_, err := s.ExecuteMethod(mc)
	return err == nil
}
