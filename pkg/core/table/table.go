// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements TCG Storage Core Table operations

package table

import (
	"errors"
	"strconv"

	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/stream"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
)

var (
	CellBlock_StartRow    uint = 1
	CellBlock_EndRow      uint = 2
	CellBlock_StartColumn uint = 3
	CellBlock_EndColumn   uint = 4

	Table_ColumnUID uint = 0

	ErrEmptyResult = errors.New("empty result")
)

func getMethodUID(s *core.Session) uid.MethodID {
	if s.ProtocolLevel == core.ProtocolLevelEnterprise {
		return uid.OpalEnterpriseGet
	}
	return uid.OpalGet
}

func setMethodUID(s *core.Session) uid.MethodID {
	if s.ProtocolLevel == core.ProtocolLevelEnterprise {
		return uid.OpalEnterpriseSet
	}
	return uid.OpalSet
}

func GetCell(s *core.Session, row uid.RowUID, column uint, columnName string) (interface{}, error) {
	m, err := GetPartialRow(s, row, column, columnName, column, columnName)
	if err != nil {
		return nil, err
	}
	for _, v := range m {
		return v, nil
	}
	return nil, ErrEmptyResult
}

func GetPartialRow(s *core.Session, row uid.RowUID, startCol uint, startColName string, endCol uint, endColName string) (map[string]interface{}, error) {
	mc := method.NewMethodCall(uid.InvokingID(row), getMethodUID(s), s.MethodFlags)
	mc.StartList()
	mc.StartOptionalParameter(CellBlock_StartColumn, "startColumn")
	if s.ProtocolLevel == core.ProtocolLevelEnterprise {
		mc.Bytes([]byte(startColName))
	} else {
		mc.UInt(startCol)
	}
	mc.EndOptionalParameter()
	mc.StartOptionalParameter(CellBlock_EndColumn, "endColumn")
	if s.ProtocolLevel == core.ProtocolLevelEnterprise {
		mc.Bytes([]byte(endColName))
	} else {
		mc.UInt(endCol)
	}
	mc.EndOptionalParameter()
	mc.EndList()
	resp, err := s.ExecuteMethod(mc)
	if err != nil {
		return nil, err
	}
	resp, err = unwrapEnterprise(s, resp)
	if err != nil {
		return nil, err
	}
	val, err := parseGetResult(resp)
	if err != nil {
		return nil, err
	}
	if len(val) == 0 {
		return nil, ErrEmptyResult
	}
	return val, nil
}

func GetFullRow(s *core.Session, row uid.RowUID) (map[string]interface{}, error) {
	mc := method.NewMethodCall(uid.InvokingID(row), getMethodUID(s), s.MethodFlags)
	mc.StartList()
	mc.EndList()
	resp, err := s.ExecuteMethod(mc)
	if err != nil {
		return nil, err
	}
	resp, err = unwrapEnterprise(s, resp)
	if err != nil {
		return nil, err
	}
	val, err := parseGetResult(resp)
	if err != nil {
		return nil, err
	}
	if len(val) == 0 {
		return nil, ErrEmptyResult
	}
	return val, nil
}

// The Enterprise Get has an extra level of lists
func unwrapEnterprise(s *core.Session, resp stream.List) (stream.List, error) {
	if s.ProtocolLevel != core.ProtocolLevelEnterprise {
		return resp, nil
	}
	inner, ok := resp[0].(stream.List)
	if !ok {
		return nil, method.ErrMalformedMethodResponse
	}
	return inner, nil
}

// NewSetCall starts a Set call with an open Values group. Callers add
// named column values and finish with FinishSetCall.
func NewSetCall(s *core.Session, row uid.RowUID) *method.MethodCall {
	mc := method.NewMethodCall(uid.InvokingID(row), setMethodUID(s), s.MethodFlags)
	mc.StartOptionalParameter(1, "Values")
	mc.StartList()
	return mc
}

func FinishSetCall(s *core.Session, mc *method.MethodCall) {
	mc.EndList()
	mc.EndOptionalParameter()
}

// SetCell writes one column of one row.
func SetCell(s *core.Session, row uid.RowUID, column uint, columnName string, value interface{}) error {
	mc := NewSetCall(s, row)
	var name interface{} = column
	if s.ProtocolLevel == core.ProtocolLevelEnterprise {
		name = []byte(columnName)
	}
	b, err := stream.Encode(stream.List{stream.Named{Name: name, Value: value}})
	if err != nil {
		return err
	}
	mc.RawByte(b)
	FinishSetCall(s, mc)
	_, err = s.ExecuteMethod(mc)
	return err
}

func Enumerate(s *core.Session, table uid.TableUID) ([]uid.RowUID, error) {
	mc := method.NewMethodCall(uid.InvokingID(table), uid.OpalNext, s.MethodFlags)
	resp, err := s.ExecuteMethod(mc)
	if err != nil {
		return nil, err
	}
	result, ok := resp[0].(stream.List)
	if !ok {
		return nil, method.ErrMalformedMethodResponse
	}
	if len(result) == 0 {
		return []uid.RowUID{}, nil
	}
	uidrefs, ok := result[0].(stream.List)
	if !ok {
		return nil, method.ErrMalformedMethodResponse
	}
	res := []uid.RowUID{}
	for _, ur := range uidrefs {
		br, ok := ur.([]byte)
		if !ok || len(br) != 8 {
			return nil, method.ErrMalformedMethodResponse
		}
		r := uid.RowUID{}
		copy(r[:], br)
		res = append(res, r)
	}
	return res, nil
}

func parseGetResult(res stream.List) (map[string]interface{}, error) {
	if len(res) == 0 {
		return nil, method.ErrMalformedMethodResponse
	}
	methodResult, ok := res[0].(stream.List)
	if !ok {
		return nil, method.ErrMalformedMethodResponse
	}
	if len(methodResult) == 0 {
		return map[string]interface{}{}, nil
	}
	inner, ok := methodResult[0].(stream.List)
	if !ok {
		return nil, method.ErrMalformedMethodResponse
	}
	val := map[string]interface{}{}
	for _, e := range inner {
		n, ok := e.(stream.Named)
		if !ok {
			return nil, method.ErrMalformedMethodResponse
		}
		switch name := n.Name.(type) {
		case uint:
			val[strconv.Itoa(int(name))] = n.Value
		case []byte:
			val[string(name)] = n.Value
		default:
			return nil, method.ErrMalformedMethodResponse
		}
	}
	return val, nil
}
